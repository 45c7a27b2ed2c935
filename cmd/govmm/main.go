// Command govmm boots a single Linux guest under KVM: it wires
// Configuration → GuestMemory → Hypervisor Handle → Device Manager →
// VM Supervisor and runs it to completion, matching the teacher's
// main.go orchestration shape (open kernel/disk files, build the
// machine, spawn vCPU goroutines, wait).
package main

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/catramen/govmm/internal/config"
	"github.com/catramen/govmm/internal/devicemgr"
	"github.com/catramen/govmm/internal/guestmemory"
	"github.com/catramen/govmm/internal/logging"
	"github.com/catramen/govmm/internal/supervisor"
)

// Exit codes, per the Configuration/External Interfaces components.
const (
	exitOK           = 0
	exitArgError     = 1
	exitHypervisor   = 2
	exitGuestMemory  = 3
	exitDeviceInit   = 4
	exitRuntimeFatal = 5
)

func main() {
	app := &cli.App{
		Name:  "govmm",
		Usage: "run a Linux guest under KVM",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a TOML configuration file"},
			&cli.StringFlag{Name: "kernel", Usage: "path to a bzImage kernel"},
			&cli.StringFlag{Name: "initramfs", Usage: "path to an initramfs image"},
			&cli.StringFlag{Name: "disk", Usage: "path to a raw root disk image"},
			&cli.StringFlag{Name: "append", Usage: "kernel command line"},
			&cli.IntFlag{Name: "smp", Usage: "number of vCPUs"},
			&cli.Uint64Flag{Name: "m", Usage: "guest memory size in MiB"},
			&cli.StringFlag{Name: "control-socket", Usage: "path to the control-socket unix domain socket"},
			&cli.StringFlag{Name: "log-level", Usage: "logrus level (debug, info, warn, error)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// cliExitError pairs an error with the exit code main should return for
// it, since the urfave/cli Action signature only returns error.
type cliExitError struct {
	code int
	err  error
}

func (e *cliExitError) Error() string { return e.err.Error() }
func (e *cliExitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ce *cliExitError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitRuntimeFatal
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
		return &cliExitError{exitArgError, fmt.Errorf("config: %w", err)}
	}
	cfg.Overlay(config.VMConfig{
		KernelPath:    c.String("kernel"),
		InitramfsPath: c.String("initramfs"),
		DiskPath:      c.String("disk"),
		KernelAppend:  c.String("append"),
		VCPUCount:     c.Int("smp"),
		MemoryMiB:     c.Uint64("m"),
		ControlSocket: c.String("control-socket"),
		LogLevel:      c.String("log-level"),
	})

	logging.Configure(cfg.LogLevel)
	log := logging.For("main")

	if cfg.KernelPath == "" {
		return &cliExitError{exitArgError, errors.New("govmm: -kernel is required")}
	}

	sup, err := supervisor.New(supervisor.Config{
		MemoryRegions: []guestmemory.RegionSpec{{GPA: 0, Size: cfg.MemoryMiB << 20}},
		VCPUCount:     cfg.VCPUCount,
	})
	if err != nil {
		if errors.Is(err, guestmemory.ErrMapFail) || errors.Is(err, guestmemory.ErrOverlap) ||
			errors.Is(err, guestmemory.ErrUnsupportedBacking) {
			return &cliExitError{exitGuestMemory, err}
		}
		return &cliExitError{exitHypervisor, err}
	}
	defer sup.Close()

	mgr := devicemgr.New(sup.Memory(), sup.Vm(), sup.MMIOBus())
	if cfg.DiskPath != "" {
		if _, err := mgr.AddBlockDevice(cfg.DiskPath, "disk0"); err != nil {
			return &cliExitError{exitDeviceInit, err}
		}
	}
	defer mgr.Close()

	if cfg.ControlSocket != "" {
		if err := sup.AttachControlSocket(cfg.ControlSocket); err != nil {
			return &cliExitError{exitDeviceInit, err}
		}
	}

	// Kernel image loading and initial per-vCPU register state (real-mode
	// → long-mode transition, e820 map, boot params) are the arch
	// bootstrap collaborator's responsibility, out of this core's scope
	// per §1; govmm assumes that collaborator has already populated
	// sup.Memory() and every sup.Vcpu(i) before Run is called.

	log.WithFields(logrusFields(cfg)).Info("starting guest")

	err = sup.Run()
	if errors.Is(err, supervisor.ErrShutdown) {
		log.Info("guest shut down normally")
		return nil
	}
	return &cliExitError{exitRuntimeFatal, err}
}

func logrusFields(cfg *config.VMConfig) log.Fields {
	return log.Fields{
		"kernel":  cfg.KernelPath,
		"disk":    cfg.DiskPath,
		"vcpus":   cfg.VCPUCount,
		"mem_mib": cfg.MemoryMiB,
	}
}
