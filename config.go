package kernos

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/behrlich/kernos/internal/net"
)

// DiskConfig describes one drive attachment.
type DiskConfig struct {
	Name string `yaml:"name"`
	// Image is a disk-image path; empty means a RAM-backed disk of
	// SizeMB.
	Image     string `yaml:"image,omitempty"`
	SizeMB    int    `yaml:"size_mb,omitempty"`
	BlockSize int    `yaml:"block_size,omitempty"`
}

// RouteConfig is one installed route.
type RouteConfig struct {
	Dest    string `yaml:"dest"`
	Mask    string `yaml:"mask"`
	Gateway string `yaml:"gateway,omitempty"`
}

// NetConfig describes the network attachment.
type NetConfig struct {
	Addr   string        `yaml:"addr,omitempty"`
	Mask   string        `yaml:"mask,omitempty"`
	Routes []RouteConfig `yaml:"routes,omitempty"`
}

// MachineConfig is the boot configuration.
type MachineConfig struct {
	Hostname string       `yaml:"hostname,omitempty"`
	Disks    []DiskConfig `yaml:"disks"`
	Root     string       `yaml:"root,omitempty"`
	Net      NetConfig    `yaml:"net,omitempty"`
}

// DefaultConfig returns a machine with one 16MB RAM disk and loopback
// networking.
func DefaultConfig() MachineConfig {
	return MachineConfig{
		Hostname: "kernos",
		Disks: []DiskConfig{
			{Name: "hda", SizeMB: 16, BlockSize: 1024},
		},
		Root: "hda",
		Net: NetConfig{
			Addr: "127.0.0.1",
			Mask: "255.0.0.0",
		},
	}
}

// ParseConfig decodes and validates a YAML machine config.
func ParseConfig(data []byte) (MachineConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse machine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *MachineConfig) Validate() error {
	if len(c.Disks) == 0 {
		return NewError("config", EINVAL, "no disks configured")
	}

	names := map[string]bool{}
	for i := range c.Disks {
		d := &c.Disks[i]
		if d.Name == "" {
			return NewError("config", EINVAL, "disk with no name")
		}
		if names[d.Name] {
			return NewDeviceError("config", d.Name, EEXIST, "duplicate disk name")
		}
		names[d.Name] = true

		if d.BlockSize == 0 {
			d.BlockSize = 1024
		}
		switch d.BlockSize {
		case 1024, 2048, 4096:
		default:
			return NewDeviceError("config", d.Name, EINVAL, "block size must be 1024, 2048 or 4096")
		}
		if d.Image == "" && d.SizeMB <= 0 {
			return NewDeviceError("config", d.Name, EINVAL, "RAM disk needs size_mb")
		}
	}

	if c.Root != "" && !names[c.Root] {
		return NewDeviceError("config", c.Root, ENODEV, "root device not configured")
	}

	if c.Net.Addr != "" {
		if _, err := ParseIPv4(c.Net.Addr); err != nil {
			return err
		}
	}
	for _, r := range c.Net.Routes {
		if _, err := ParseIPv4(r.Dest); err != nil {
			return err
		}
		if _, err := ParseIPv4(r.Mask); err != nil {
			return err
		}
		if r.Gateway != "" {
			if _, err := ParseIPv4(r.Gateway); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseIPv4 parses a dotted-quad address.
func ParseIPv4(s string) (net.IPv4, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, NewError("config", EINVAL, "bad IPv4 address "+s)
	}
	var addr net.IPv4
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 || v > 255 {
			return 0, NewError("config", EINVAL, "bad IPv4 address "+s)
		}
		addr = addr<<8 | net.IPv4(v)
	}
	return addr, nil
}
