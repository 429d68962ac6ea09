//go:build !linux || !uring

package hdd

import "fmt"

// NewUringEngine is available when built with -tags uring on Linux.
func NewUringEngine(store FdStore, depth uint32) (Engine, error) {
	return nil, fmt.Errorf("io_uring engine not enabled; build with -tags uring")
}
