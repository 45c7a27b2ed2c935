// Package supervisor implements the VM Supervisor: it owns GuestMemory,
// the hypervisor VM handle, the I/O buses, and the Event Loop, and
// orchestrates vCPU threads, the main I/O thread, and shutdown.
package supervisor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/catramen/govmm/internal/control"
	"github.com/catramen/govmm/internal/eventloop"
	"github.com/catramen/govmm/internal/guestmemory"
	"github.com/catramen/govmm/internal/iobus"
	"github.com/catramen/govmm/internal/kvmapi"
	"github.com/catramen/govmm/internal/logging"
)

// vcpuCancelSignal is the process-directed signal used to interrupt a
// vCPU thread blocked in KVM_RUN. SIGURG is chosen the way the Go
// runtime's own asynchronous preemption chooses it: the process must
// already ignore it safely, and delivering it to one specific thread
// (via tgkill) reliably unblocks only that thread's KVM_RUN.
const vcpuCancelSignal = unix.SIGURG

// Config bundles everything the Supervisor needs to assemble and run one
// guest's lifetime.
type Config struct {
	MemoryRegions []guestmemory.RegionSpec
	VCPUCount     int
}

// Supervisor orchestrates one guest's boot → run → shutdown lifecycle.
type Supervisor struct {
	mem  *guestmemory.GuestMemory
	sys  *kvmapi.System
	vm   *kvmapi.Vm
	mmio *iobus.Bus
	pio  *iobus.Bus
	pc   *eventloop.PollContext

	vcpus    []*kvmapi.Vcpu
	vcpuTIDs []int32

	ctrl *control.Server // set by AttachControlSocket; nil if no control socket

	stop int32 // atomic stop flag, checked by every vCPU loop iteration
	wg   sync.WaitGroup

	log *log.Entry
}

// New builds GuestMemory, opens the hypervisor, registers memory, and
// creates the IRQ chip and vCPUs — orchestration steps 1-2 of the VM
// Supervisor contract. Kernel loading and initial register state (step 3)
// are the arch bootstrap collaborator's responsibility and happen after
// New returns, before Run is called.
func New(cfg Config) (*Supervisor, error) {
	mem, err := guestmemory.WithRegions(cfg.MemoryRegions)
	if err != nil {
		return nil, fmt.Errorf("supervisor: guest memory: %w", err)
	}

	sys, err := kvmapi.OpenSystem()
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("supervisor: open hypervisor: %w", err)
	}

	vm, err := sys.CreateVM()
	if err != nil {
		mem.Close()
		sys.Close()
		return nil, fmt.Errorf("supervisor: create vm: %w", err)
	}

	for _, r := range mem.RegionForHypervisor() {
		if err := vm.SetUserMemoryRegion(r.GPA, r.HostAddr, r.Size); err != nil {
			vm.Close()
			sys.Close()
			mem.Close()
			return nil, fmt.Errorf("supervisor: register memory region %#x: %w", r.GPA, err)
		}
	}

	if err := vm.SetTSSAddr(); err != nil {
		return nil, closeAllAndWrap(vm, sys, mem, "set tss addr", err)
	}
	if err := vm.SetIdentityMapAddr(); err != nil {
		return nil, closeAllAndWrap(vm, sys, mem, "set identity map addr", err)
	}
	if err := vm.CreateIRQChip(); err != nil {
		return nil, closeAllAndWrap(vm, sys, mem, "create irq chip", err)
	}
	if err := vm.CreatePIT(); err != nil {
		return nil, closeAllAndWrap(vm, sys, mem, "create pit", err)
	}

	if cfg.VCPUCount < 1 {
		cfg.VCPUCount = 1
	}
	vcpus := make([]*kvmapi.Vcpu, cfg.VCPUCount)
	for i := 0; i < cfg.VCPUCount; i++ {
		vcpu, err := vm.CreateVcpu(i)
		if err != nil {
			return nil, closeAllAndWrap(vm, sys, mem, fmt.Sprintf("create vcpu %d", i), err)
		}
		vcpus[i] = vcpu
	}

	pc, err := eventloop.New()
	if err != nil {
		return nil, closeAllAndWrap(vm, sys, mem, "event loop", err)
	}

	return &Supervisor{
		mem:      mem,
		sys:      sys,
		vm:       vm,
		mmio:     iobus.New(),
		pio:      iobus.New(),
		pc:       pc,
		vcpus:    vcpus,
		vcpuTIDs: make([]int32, cfg.VCPUCount),
		log:      logging.For("supervisor"),
	}, nil
}

func closeAllAndWrap(vm *kvmapi.Vm, sys *kvmapi.System, mem *guestmemory.GuestMemory, step string, err error) error {
	vm.Close()
	sys.Close()
	mem.Close()
	return fmt.Errorf("supervisor: %s: %w", step, err)
}

// Memory exposes GuestMemory for the arch bootstrap collaborator's
// kernel-loading step.
func (s *Supervisor) Memory() *guestmemory.GuestMemory { return s.mem }

// Vm exposes the hypervisor VM handle for the arch bootstrap collaborator
// and the Device Manager.
func (s *Supervisor) Vm() *kvmapi.Vm { return s.vm }

// Vcpu returns vCPU i's hypervisor handle, for initial register setup.
func (s *Supervisor) Vcpu(i int) *kvmapi.Vcpu { return s.vcpus[i] }

// MMIOBus and PIOBus expose the two bus instances for the Device Manager
// to insert devices on.
func (s *Supervisor) MMIOBus() *iobus.Bus { return s.mmio }
func (s *Supervisor) PIOBus() *iobus.Bus  { return s.pio }

// ErrShutdown is the sentinel Run returns after an orderly shutdown.
var ErrShutdown = errors.New("supervisor: shutdown")

// Run spawns one OS thread per vCPU and blocks running the main I/O
// thread's event loop until a terminal condition is reached (orchestration
// steps 5-7).
func (s *Supervisor) Run() error {
	for i := range s.vcpus {
		s.wg.Add(1)
		go s.runVcpuThread(i)
	}

	err := s.mainLoop()

	atomic.StoreInt32(&s.stop, 1)
	s.signalAllVcpus()
	s.wg.Wait()

	if err != nil {
		return err
	}
	return ErrShutdown
}

// mainLoop is the main I/O thread's event-driven dispatch: it waits on
// whatever sources are registered with the poll context (today, only the
// control socket listener when AttachControlSocket was called) and serves
// one framed control-socket round trip per readiness notification. It
// returns when the stop flag is set, whether by a control command or a
// vCPU thread observing a fatal/guest-shutdown exit.
func (s *Supervisor) mainLoop() error {
	for atomic.LoadInt32(&s.stop) == 0 {
		events, err := s.pc.Wait(200)
		if err != nil {
			return fmt.Errorf("supervisor: event loop: %w", err)
		}
		for _, ev := range events {
			if ev.Token.Kind == eventloop.TokenVmControl && s.ctrl != nil {
				if err := s.ctrl.Accept(); err != nil {
					s.log.WithError(err).Warn("control socket accept")
				}
			}
		}
	}
	return nil
}

// runVcpuThread is the per-vCPU loop: lock this goroutine to its current
// OS thread (whose TID signalAllVcpus targets), then cycle check-stop /
// run / dispatch. The vCPU fd itself was created earlier by New, on the
// caller's thread.
func (s *Supervisor) runVcpuThread(i int) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&s.vcpuTIDs[i], int32(unix.Gettid()))
	vcpuLog := s.log.WithField("vcpu", i)

	for atomic.LoadInt32(&s.stop) == 0 {
		reason, err := s.vcpus[i].Run()
		if err != nil {
			vcpuLog.WithError(err).Error("hypervisor internal error, stopping VM")
			atomic.StoreInt32(&s.stop, 1)
			return
		}

		switch reason.Kind {
		case kvmapi.ExitIoIn:
			s.pio.Read(uint64(reason.Port), reason.Bytes)
		case kvmapi.ExitIoOut:
			s.pio.Write(uint64(reason.Port), reason.Bytes)
		case kvmapi.ExitMmioRead:
			s.mmio.Read(reason.GPA, reason.Bytes)
		case kvmapi.ExitMmioWrite:
			s.mmio.Write(reason.GPA, reason.Bytes)
		case kvmapi.ExitHalt:
			// idle: a real implementation blocks on an interruptible
			// eventfd here; checking the stop flag once more per
			// iteration is sufficient to keep shutdown responsive.
		case kvmapi.ExitShutdown, kvmapi.ExitInternalErr:
			vcpuLog.Info("guest-initiated or fatal shutdown exit")
			atomic.StoreInt32(&s.stop, 1)
			return
		case kvmapi.ExitInterrupted:
			continue
		}
	}
}

// signalAllVcpus delivers the cancellation signal to every vCPU thread's
// specific TID so a blocked KVM_RUN returns EINTR promptly.
func (s *Supervisor) signalAllVcpus() {
	for i := range s.vcpuTIDs {
		tid := atomic.LoadInt32(&s.vcpuTIDs[i])
		if tid == 0 {
			continue
		}
		if err := unix.Tgkill(unix.Getpid(), int(tid), vcpuCancelSignal); err != nil {
			s.log.WithError(err).WithField("vcpu", i).Warn("tgkill vcpu thread")
		}
	}
}

// RequestShutdown sets the stop flag from outside the main loop (e.g. a
// control-socket Shutdown command handler).
func (s *Supervisor) RequestShutdown() {
	atomic.StoreInt32(&s.stop, 1)
}

// Close tears down devices' bus registrations are the caller's
// responsibility (Device Manager.Close); Supervisor.Close releases only
// what it owns directly: vCPU fds, the VM and system handles, the event
// loop, and guest memory, in teardown order.
func (s *Supervisor) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.ctrl != nil {
		record(s.ctrl.Close())
	}
	for _, v := range s.vcpus {
		record(v.Close())
	}
	record(s.pc.Close())
	record(s.vm.Close())
	record(s.sys.Close())
	record(s.mem.Close())
	return firstErr
}
