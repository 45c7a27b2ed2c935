// Package kvmapi is a thin wrapper over the host hypervisor's ioctl
// interface, layered the way the interface itself is layered: a System
// handle opens /dev/kvm, a Vm handle owns one guest's address space and
// IRQ chip, and a Vcpu handle owns one guest execution context.
package kvmapi

import "golang.org/x/sys/unix"

// ioctl request numbers, as defined by the kernel's kvm.h. These are not
// guesses: they are the same encodings a running kernel expects, built
// from _IO/_IOR/_IOW/_IOWR with the KVMIO (0xAE) ioctl type byte.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmCreateVCPU          = 0xAE41
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetCPUID2           = 0x4008AE90
	kvmRun                 = 0xAE80
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLine             = 0xC008AE67
	kvmCreatePIT2          = 0x4040AE77
	kvmIOEventFD           = 0x4040AE79
	kvmIRQFD               = 0x4020AE76
)

// ioctl issues a raw ioctl(2) against fd and returns any nonzero errno,
// including EINTR/EAGAIN, as the error. Callers that expect a signal to
// arrive mid-call (notably Vcpu.Run during KVM_RUN) check for those two
// themselves; ignoreInterrupted maps them to nil.
func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

func ignoreInterrupted(err error) error {
	if err == unix.EINTR || err == unix.EAGAIN {
		return nil
	}
	return err
}
