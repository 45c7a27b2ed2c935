// Package config loads the VMM's optional TOML configuration file and
// overlays CLI-flag overrides on top of it, per the Configuration component.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrConfigNotFound is returned by Load when path does not exist. It is
// non-fatal: the VMM runs with defaults and whatever CLI flags supplied.
var ErrConfigNotFound = errors.New("config: file not found")

// VMConfig is the VMM's full resolved configuration.
type VMConfig struct {
	KernelPath    string `toml:"kernel_path"`
	InitramfsPath string `toml:"initramfs_path"`
	KernelAppend  string `toml:"kernel_append"`
	DiskPath      string `toml:"disk_path"`
	MemoryMiB     uint64 `toml:"memory_mib"`
	VCPUCount     int    `toml:"vcpu_count"`
	ControlSocket string `toml:"control_socket"`
	LogLevel      string `toml:"log_level"`
}

// defaults matches the values a VMM boots with when neither a config file
// nor an overriding flag supplies them.
func defaults() VMConfig {
	return VMConfig{
		MemoryMiB:     256,
		VCPUCount:     1,
		ControlSocket: "/tmp/govmm.sock",
		LogLevel:      "info",
	}
}

// Load reads and parses the TOML file at path, starting from defaults. A
// missing file returns (defaults, ErrConfigNotFound); a malformed file
// returns a wrapped parse error, a setup error per the error taxonomy.
func Load(path string) (*VMConfig, error) {
	cfg := defaults()
	if path == "" {
		return &cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, ErrConfigNotFound
		}
		return &cfg, fmt.Errorf("config: stat %q: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &cfg, nil
}

// Overlay applies non-zero-value CLI flag overrides onto cfg, in place.
// CLI flags always win over the config file, per the Configuration
// component's contract.
func (c *VMConfig) Overlay(o VMConfig) {
	if o.KernelPath != "" {
		c.KernelPath = o.KernelPath
	}
	if o.InitramfsPath != "" {
		c.InitramfsPath = o.InitramfsPath
	}
	if o.KernelAppend != "" {
		c.KernelAppend = o.KernelAppend
	}
	if o.DiskPath != "" {
		c.DiskPath = o.DiskPath
	}
	if o.MemoryMiB != 0 {
		c.MemoryMiB = o.MemoryMiB
	}
	if o.VCPUCount != 0 {
		c.VCPUCount = o.VCPUCount
	}
	if o.ControlSocket != "" {
		c.ControlSocket = o.ControlSocket
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}
