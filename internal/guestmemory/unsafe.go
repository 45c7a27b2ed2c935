package guestmemory

import "unsafe"

// unsafeSliceAddr returns the address of a byte slice's backing array, the
// same pattern the hypervisor ioctl layer uses to pass a mmap'd region's
// host address into a kvm_userspace_memory_region.
func unsafeSliceAddr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
