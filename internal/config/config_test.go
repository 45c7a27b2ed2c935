package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/catramen/govmm/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaultsAndSentinel(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.True(t, errors.Is(err, config.ErrConfigNotFound))
	require.Equal(t, uint64(256), cfg.MemoryMiB)
	require.Equal(t, 1, cfg.VCPUCount)
}

func TestLoadParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.toml")
	contents := `
kernel_path = "/boot/vmlinuz"
memory_mib = 1024
vcpu_count = 4
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/boot/vmlinuz", cfg.KernelPath)
	require.Equal(t, uint64(1024), cfg.MemoryMiB)
	require.Equal(t, 4, cfg.VCPUCount)
}

func TestLoadMalformedTOMLIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid toml"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
	require.False(t, errors.Is(err, config.ErrConfigNotFound))
}

func TestOverlayFlagsWinOverFile(t *testing.T) {
	cfg := &config.VMConfig{KernelPath: "/from/file", MemoryMiB: 512}
	cfg.Overlay(config.VMConfig{MemoryMiB: 2048})
	require.Equal(t, "/from/file", cfg.KernelPath)
	require.Equal(t, uint64(2048), cfg.MemoryMiB)
}
