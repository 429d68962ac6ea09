// Package klog provides leveled, structured logging for the kernel.
//
// It is a thin facade over logrus: subsystems grab a named logger once
// ("sched", "ext2", "tcp", ...) and log through it, so output can be
// filtered per subsystem and the backing logger swapped for tests.
package klog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the per-subsystem logging handle.
type Logger struct {
	entry *logrus.Entry
}

// Config holds logging configuration.
type Config struct {
	Level  logrus.Level
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  logrus.InfoLevel,
		Output: os.Stderr,
	}
}

var (
	mu   sync.RWMutex
	root = newRoot(nil)
)

func newRoot(config *Config) *logrus.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	l := logrus.New()
	l.SetLevel(config.Level)
	if config.Output != nil {
		l.SetOutput(config.Output)
	}
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
	return l
}

// Configure replaces the root logger. Call once at boot, before
// subsystems start logging.
func Configure(config *Config) {
	mu.Lock()
	defer mu.Unlock()
	root = newRoot(config)
}

// SetOutput redirects all logging output; nil restores stderr. Used by
// tests to capture or silence kernel chatter.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	root.SetOutput(w)
}

// SetLevel adjusts the global log level.
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	root.SetLevel(level)
}

// New returns a logger tagged with the given subsystem name.
func New(subsystem string) *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &Logger{entry: root.WithField("subsys", subsystem)}
}

// WithField returns a derived logger with an extra structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Panicf reports an unrecoverable kernel error. The x86 original dumps
// registers and halts; here the run dies with a stack trace.
func (l *Logger) Panicf(format string, args ...any) { l.entry.Panicf(format, args...) }
