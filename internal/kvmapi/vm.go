package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// x86 requires these two reserved physical addresses to live below 4GiB
// and outside any registered memory slot or MMIO window.
const (
	defaultTSSAddr         uint64 = 0xffffd000
	defaultIdentityMapAddr uint64 = 0xffffc000
)

// Vm is one guest's hypervisor-side handle: its address space, IRQ chip,
// and the vCPUs created from it.
type Vm struct {
	fd           int
	sysFd        int
	vcpuMmapSize int
	nextSlot     uint32
}

// userspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion registers one guest-physical-to-host mapping. Slots
// are assigned sequentially starting at 0, matching the enumeration order
// GuestMemory.RegionForHypervisor returns.
func (v *Vm) SetUserMemoryRegion(gpa uint64, hostAddr uintptr, size uint64) error {
	r := userspaceMemoryRegion{
		Slot:          v.nextSlot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	v.nextSlot++
	_, err := ioctl(v.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&r)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// CreateIRQChip creates the in-kernel interrupt controller model (PIC/IOAPIC
// on x86). Required before CreatePIT or registering any irqfd.
func (v *Vm) CreateIRQChip() error {
	if _, err := ioctl(v.fd, kvmCreateIRQChip, 0); err != nil {
		return fmt.Errorf("kvmapi: KVM_CREATE_IRQCHIP: %w", err)
	}
	return nil
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT creates the in-kernel i8254 programmable interval timer.
func (v *Vm) CreatePIT() error {
	cfg := pitConfig{}
	if _, err := ioctl(v.fd, kvmCreatePIT2, uintptr(unsafe.Pointer(&cfg))); err != nil {
		return fmt.Errorf("kvmapi: KVM_CREATE_PIT2: %w", err)
	}
	return nil
}

// SetTSSAddr reserves the three guest pages Intel hosts need for the task
// state segment.
func (v *Vm) SetTSSAddr() error {
	if _, err := ioctl(v.fd, kvmSetTSSAddr, uintptr(defaultTSSAddr)); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_TSS_ADDR: %w", err)
	}
	return nil
}

// SetIdentityMapAddr reserves the guest page Intel hosts need for the EPT
// identity-mapped page table.
func (v *Vm) SetIdentityMapAddr() error {
	addr := defaultIdentityMapAddr
	if _, err := ioctl(v.fd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	return nil
}

// IRQLine asserts (level=1) or deasserts (level=0) GSI irq. Edge-triggered
// interrupts are delivered by asserting then immediately deasserting.
func (v *Vm) IRQLine(gsi uint32, level uint32) error {
	req := struct{ IRQ, Level uint32 }{IRQ: gsi, Level: level}
	if _, err := ioctl(v.fd, kvmIRQLine, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("kvmapi: KVM_IRQ_LINE: %w", err)
	}
	return nil
}

const (
	ioeventfdFlagDeassign  = 1 << 2
	ioeventfdFlagDatamatch = 1 << 0
	irqfdFlagDeassign      = 1 << 0
)

// ioeventfd mirrors struct kvm_ioeventfd.
type ioeventfd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

// RegisterIOEvent binds fd so that a guest MMIO/PIO write of exactly
// datamatch to addr (width len bytes) signals fd without causing a VM
// exit. This is how virtio queue-notify writes reach a device worker
// thread without a vCPU round trip through the I/O bus.
func (v *Vm) RegisterIOEvent(fd int, addr uint64, length uint32, datamatch uint64) error {
	e := ioeventfd{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		FD:        int32(fd),
		Flags:     ioeventfdFlagDatamatch,
	}
	if _, err := ioctl(v.fd, kvmIOEventFD, uintptr(unsafe.Pointer(&e))); err != nil {
		return fmt.Errorf("kvmapi: KVM_IOEVENTFD: %w", err)
	}
	return nil
}

// UnregisterIOEvent tears down a previously registered ioeventfd binding.
func (v *Vm) UnregisterIOEvent(fd int, addr uint64, length uint32, datamatch uint64) error {
	e := ioeventfd{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		FD:        int32(fd),
		Flags:     ioeventfdFlagDatamatch | ioeventfdFlagDeassign,
	}
	if _, err := ioctl(v.fd, kvmIOEventFD, uintptr(unsafe.Pointer(&e))); err != nil {
		return fmt.Errorf("kvmapi: KVM_IOEVENTFD deassign: %w", err)
	}
	return nil
}

// irqfdReq mirrors struct kvm_irqfd.
type irqfdReq struct {
	FD    int32
	GSI   uint32
	Flags uint32
	_     [20]uint8
}

// RegisterIRQFD binds fd so that an eventfd write on fd injects an
// interrupt on gsi without the asserting thread calling IRQLine directly.
func (v *Vm) RegisterIRQFD(fd int, gsi uint32) error {
	e := irqfdReq{FD: int32(fd), GSI: gsi}
	if _, err := ioctl(v.fd, kvmIRQFD, uintptr(unsafe.Pointer(&e))); err != nil {
		return fmt.Errorf("kvmapi: KVM_IRQFD: %w", err)
	}
	return nil
}

// UnregisterIRQFD tears down a previously registered irqfd binding.
func (v *Vm) UnregisterIRQFD(fd int, gsi uint32) error {
	e := irqfdReq{FD: int32(fd), GSI: gsi, Flags: irqfdFlagDeassign}
	if _, err := ioctl(v.fd, kvmIRQFD, uintptr(unsafe.Pointer(&e))); err != nil {
		return fmt.Errorf("kvmapi: KVM_IRQFD deassign: %w", err)
	}
	return nil
}

// CreateVcpu creates vCPU id and mmaps its shared kvm_run page.
func (v *Vm) CreateVcpu(id int) (*Vcpu, error) {
	fd, err := ioctl(v.fd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_VCPU(%d): %w", id, err)
	}
	mem, err := unix.Mmap(int(fd), 0, v.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kvmapi: mmap kvm_run for vcpu %d: %w", id, err)
	}
	return &Vcpu{id: id, fd: int(fd), runMem: mem, run: (*RunData)(unsafe.Pointer(&mem[0]))}, nil
}

// Close closes the VM handle. Call only after every Vcpu derived from it
// has been closed.
func (v *Vm) Close() error {
	return unix.Close(v.fd)
}
