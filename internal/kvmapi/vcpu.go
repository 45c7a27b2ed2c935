package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw KVM_EXIT_* values, unchanged across architectures.
const (
	exitUnknown       = 0
	exitException     = 1
	exitIO            = 2
	exitHypercall     = 3
	exitDebug         = 4
	exitHlt           = 5
	exitMmio          = 6
	exitIRQWindowOpen = 7
	exitShutdown      = 8
	exitFailEntry     = 9
	exitIntr          = 10
	exitInternalError = 17
)

const (
	ioDirIn  = 0
	ioDirOut = 1
)

// RunData mirrors the fixed prefix of struct kvm_run; Data holds the
// exit-reason-specific union (io/mmio payloads) the same way kvm_run's C
// union does.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// mmioData overlays RunData.Data when ExitReason == KVM_EXIT_MMIO.
type mmioData struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

func (r *RunData) decodeIO() (dir uint64, size uint64, port uint64, count uint64, dataOffset uint64) {
	word := r.Data[0]
	dir = word & 0xFF
	size = (word >> 8) & 0xFF
	port = (word >> 16) & 0xFFFF
	count = (word >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]
	return
}

func (r *RunData) decodeMMIO() *mmioData {
	return (*mmioData)(unsafe.Pointer(&r.Data[0]))
}

// Vcpu is one virtual CPU's hypervisor-side handle: the vCPU fd and its
// mmap'd kvm_run shared page. It must be used from exactly one OS thread
// for its whole lifetime.
type Vcpu struct {
	id     int
	fd     int
	runMem []byte
	run    *RunData
}

// ExitKind tags the reason a call to Run returned.
type ExitKind int

const (
	ExitIoIn ExitKind = iota
	ExitIoOut
	ExitMmioRead
	ExitMmioWrite
	ExitHalt
	ExitShutdown
	ExitHypercall
	ExitInternalErr
	ExitInterrupted
	ExitUnknownReason
)

// ExitReason is the decoded result of one Vcpu.Run call.
type ExitReason struct {
	Kind  ExitKind
	Port  uint16 // ExitIoIn / ExitIoOut
	GPA   uint64 // ExitMmioRead / ExitMmioWrite
	Size  int    // byte width of the access
	Bytes []byte // ExitIoOut / ExitMmioWrite payload; writable in-place for ExitIoIn/ExitMmioRead
	Code  uint64 // ExitInternalErr
}

// GetRegs reads the vCPU's general-purpose registers.
func (v *Vcpu) GetRegs() (Regs, error) {
	var r Regs
	_, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&r)))
	return r, err
}

// SetRegs writes the vCPU's general-purpose registers.
func (v *Vcpu) SetRegs(r Regs) error {
	_, err := ioctl(v.fd, kvmSetRegs, uintptr(unsafe.Pointer(&r)))
	return err
}

// GetSregs reads the vCPU's segment and control registers.
func (v *Vcpu) GetSregs() (Sregs, error) {
	var s Sregs
	_, err := ioctl(v.fd, kvmGetSregs, uintptr(unsafe.Pointer(&s)))
	return s, err
}

// SetSregs writes the vCPU's segment and control registers.
func (v *Vcpu) SetSregs(s Sregs) error {
	_, err := ioctl(v.fd, kvmSetSregs, uintptr(unsafe.Pointer(&s)))
	return err
}

// SetCPUID2 installs the supported CPUID leaves for this vCPU.
func (v *Vcpu) SetCPUID2(c *CPUID) error {
	_, err := ioctl(v.fd, kvmSetCPUID2, uintptr(unsafe.Pointer(c)))
	return err
}

// GetSupportedCPUID asks the host (not a specific vCPU) which CPUID
// leaves it can emulate; the result is fed back into each Vcpu's
// SetCPUID2.
func GetSupportedCPUID(systemFd int, c *CPUID) error {
	_, err := ioctl(systemFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(c)))
	return err
}

// Run enters the guest and blocks until the next VM exit, decoding the
// exit record into an ExitReason. A signal-interrupted syscall (EINTR)
// is reported as ExitInterrupted rather than an error, matching the
// spec's cancellation-check contract for the vCPU loop.
func (v *Vcpu) Run() (ExitReason, error) {
	_, err := ioctl(v.fd, kvmRun, 0)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return ExitReason{Kind: ExitInterrupted}, nil
		}
		return ExitReason{}, fmt.Errorf("kvmapi: KVM_RUN(vcpu %d): %w", v.id, err)
	}

	switch v.run.ExitReason {
	case exitIO:
		dir, size, port, _, dataOff := v.run.decodeIO()
		buf := v.runMem[dataOff : dataOff+size]
		if dir == ioDirIn {
			return ExitReason{Kind: ExitIoIn, Port: uint16(port), Size: int(size), Bytes: buf}, nil
		}
		return ExitReason{Kind: ExitIoOut, Port: uint16(port), Size: int(size), Bytes: buf}, nil
	case exitMmio:
		m := v.run.decodeMMIO()
		if m.IsWrite != 0 {
			return ExitReason{Kind: ExitMmioWrite, GPA: m.PhysAddr, Size: int(m.Len), Bytes: m.Data[:m.Len]}, nil
		}
		return ExitReason{Kind: ExitMmioRead, GPA: m.PhysAddr, Size: int(m.Len), Bytes: m.Data[:m.Len]}, nil
	case exitHlt:
		return ExitReason{Kind: ExitHalt}, nil
	case exitShutdown:
		return ExitReason{Kind: ExitShutdown}, nil
	case exitHypercall:
		return ExitReason{Kind: ExitHypercall}, nil
	case exitIntr:
		return ExitReason{Kind: ExitInterrupted}, nil
	case exitFailEntry, exitInternalError:
		return ExitReason{Kind: ExitInternalErr, Code: v.run.Data[0]}, nil
	default:
		return ExitReason{Kind: ExitUnknownReason, Code: uint64(v.run.ExitReason)}, nil
	}
}

// Close unmaps the kvm_run page and closes the vCPU fd.
func (v *Vcpu) Close() error {
	if err := unix.Munmap(v.runMem); err != nil {
		return err
	}
	return unix.Close(v.fd)
}
