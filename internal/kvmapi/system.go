package kvmapi

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// System is the open /dev/kvm handle. It is process-wide state: only one
// is needed, and it outlives every Vm it creates.
type System struct {
	fd int
}

// OpenSystem opens /dev/kvm and validates the reported API version.
func OpenSystem() (*System, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmapi: open /dev/kvm: %w", err)
	}
	s := &System{fd: fd}
	ver, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvmapi: KVM_GET_API_VERSION: %w", err)
	}
	if ver != 12 {
		unix.Close(fd)
		return nil, fmt.Errorf("kvmapi: unsupported KVM API version %d", ver)
	}
	return s, nil
}

// CreateVM registers a new guest with the hypervisor.
func (s *System) CreateVM() (*Vm, error) {
	fd, err := ioctl(s.fd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_VM: %w", err)
	}
	mmapSize, err := ioctl(s.fd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kvmapi: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return &Vm{fd: int(fd), sysFd: s.fd, vcpuMmapSize: int(mmapSize)}, nil
}

// Close closes the system handle. Call only after every Vm created from
// it has been closed.
func (s *System) Close() error {
	return unix.Close(s.fd)
}
