// Package guestmemory maps guest physical addresses onto host-backed mmap
// regions and hands out the region table the hypervisor needs to mirror
// as KVM_SET_USER_MEMORY_REGION slots.
package guestmemory

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

var (
	// ErrOverlap is returned by WithRegions when two requested regions overlap.
	ErrOverlap = errors.New("guestmemory: regions overlap")
	// ErrMapFail is returned by WithRegions when the host mmap call fails.
	ErrMapFail = errors.New("guestmemory: host mapping failed")
	// ErrOutOfBounds is returned by ReadAt/WriteAt/GetSlice when the access
	// does not land entirely within a single contiguous backing region.
	ErrOutOfBounds = errors.New("guestmemory: access out of bounds")
	// ErrUnsupportedBacking is returned for a BackingHint this core does not
	// implement.
	ErrUnsupportedBacking = errors.New("guestmemory: unsupported backing hint")
)

// BackingHint selects how a region's host memory is obtained. Only
// Anonymous is implemented; FileBacked is reserved so RegionSpec's shape
// does not need to change if file-backed RAM is added later.
type BackingHint int

const (
	Anonymous BackingHint = iota
	FileBacked
)

// RegionSpec describes one region to map, as passed to WithRegions.
type RegionSpec struct {
	GPA         uint64
	Size        uint64
	BackingHint BackingHint
}

// region is the internal, resolved counterpart of RegionSpec.
type region struct {
	gpaStart uint64
	size     uint64
	host     []byte // mmap'd backing, len(host) == size
	slot     uint32
}

// GuestMemory is the address-space view the VM core uses for every guest
// memory access. Its region set is fixed at construction (With Regions)
// and never mutated afterward, matching the hypervisor's memory map.
type GuestMemory struct {
	regions []region // sorted by gpaStart, disjoint
}

// WithRegions maps one host mmap per spec entry and returns the resulting
// GuestMemory. Specs need not be pre-sorted; WithRegions sorts them and
// rejects overlaps.
func WithRegions(specs []RegionSpec) (*GuestMemory, error) {
	sorted := make([]RegionSpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GPA < sorted[j].GPA })

	regions := make([]region, 0, len(sorted))
	for i, s := range sorted {
		if i > 0 {
			prev := sorted[i-1]
			if s.GPA < prev.GPA+prev.Size {
				return nil, fmt.Errorf("%w: [%#x,%#x) overlaps [%#x,%#x)",
					ErrOverlap, s.GPA, s.GPA+s.Size, prev.GPA, prev.GPA+prev.Size)
			}
		}
		if s.BackingHint != Anonymous {
			return nil, fmt.Errorf("%w: hint %d", ErrUnsupportedBacking, s.BackingHint)
		}
		host, err := unix.Mmap(-1, 0, int(s.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMapFail, err)
		}
		regions = append(regions, region{
			gpaStart: s.GPA,
			size:     s.Size,
			host:     host,
			slot:     uint32(i),
		})
	}
	return &GuestMemory{regions: regions}, nil
}

// findRegion returns the region containing gpa, or nil.
func (g *GuestMemory) findRegion(gpa uint64) *region {
	i := sort.Search(len(g.regions), func(i int) bool {
		return g.regions[i].gpaStart+g.regions[i].size > gpa
	})
	if i < len(g.regions) && g.regions[i].gpaStart <= gpa {
		return &g.regions[i]
	}
	return nil
}

// ReadAt copies len(buf) bytes starting at gpa into buf. The whole range
// must lie within one region; GuestMemory never stitches reads across
// non-contiguous regions.
func (g *GuestMemory) ReadAt(gpa uint64, buf []byte) error {
	r := g.findRegion(gpa)
	if r == nil {
		return fmt.Errorf("%w: gpa=%#x", ErrOutOfBounds, gpa)
	}
	off := gpa - r.gpaStart
	if off+uint64(len(buf)) > r.size {
		return fmt.Errorf("%w: gpa=%#x len=%d", ErrOutOfBounds, gpa, len(buf))
	}
	copy(buf, r.host[off:off+uint64(len(buf))])
	return nil
}

// WriteAt is the symmetric counterpart of ReadAt.
func (g *GuestMemory) WriteAt(gpa uint64, buf []byte) error {
	r := g.findRegion(gpa)
	if r == nil {
		return fmt.Errorf("%w: gpa=%#x", ErrOutOfBounds, gpa)
	}
	off := gpa - r.gpaStart
	if off+uint64(len(buf)) > r.size {
		return fmt.Errorf("%w: gpa=%#x len=%d", ErrOutOfBounds, gpa, len(buf))
	}
	copy(r.host[off:off+uint64(len(buf))], buf)
	return nil
}

// GetSlice returns a bounded, zero-copy host view of [gpa, gpa+len). The
// returned slice aliases the region's backing mmap and stays valid for
// the lifetime of the GuestMemory.
func (g *GuestMemory) GetSlice(gpa uint64, length uint64) ([]byte, error) {
	r := g.findRegion(gpa)
	if r == nil {
		return nil, fmt.Errorf("%w: gpa=%#x", ErrOutOfBounds, gpa)
	}
	off := gpa - r.gpaStart
	if off+length > r.size {
		return nil, fmt.Errorf("%w: gpa=%#x len=%d", ErrOutOfBounds, gpa, length)
	}
	return r.host[off : off+length], nil
}

// HypervisorRegion is one entry of the enumeration RegionForHypervisor
// returns; its shape mirrors a KVM_SET_USER_MEMORY_REGION slot.
type HypervisorRegion struct {
	Slot     uint32
	GPA      uint64
	HostAddr uintptr
	Size     uint64
	Flags    uint32
}

// RegionForHypervisor enumerates the region table so the Hypervisor Handle
// can mirror it with one KVM_SET_USER_MEMORY_REGION ioctl per entry.
func (g *GuestMemory) RegionForHypervisor() []HypervisorRegion {
	out := make([]HypervisorRegion, 0, len(g.regions))
	for _, r := range g.regions {
		out = append(out, HypervisorRegion{
			Slot:     r.slot,
			GPA:      r.gpaStart,
			HostAddr: uintptr(unsafeSliceAddr(r.host)),
			Size:     r.size,
		})
	}
	return out
}

// Close unmaps every region's backing memory. Call only after the VM and
// all vCPUs referencing these mappings have been torn down.
func (g *GuestMemory) Close() error {
	var firstErr error
	for i := range g.regions {
		if g.regions[i].host == nil {
			continue
		}
		if err := unix.Munmap(g.regions[i].host); err != nil && firstErr == nil {
			firstErr = err
		}
		g.regions[i].host = nil
	}
	return firstErr
}
