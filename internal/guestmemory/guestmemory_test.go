package guestmemory_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/catramen/govmm/internal/guestmemory"
)

func TestReadWriteAtRoundTrip(t *testing.T) {
	gm, err := guestmemory.WithRegions([]guestmemory.RegionSpec{
		{GPA: 0, Size: 1 << 20},
	})
	if err != nil {
		t.Fatalf("WithRegions: %v", err)
	}
	defer gm.Close()

	want := bytes.Repeat([]byte{0xAB}, 512)
	if err := gm.WriteAt(0x1000, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 512)
	if err := gm.ReadAt(0x1000, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %v want %v", got[:8], want[:8])
	}
}

func TestWithRegionsOverlap(t *testing.T) {
	_, err := guestmemory.WithRegions([]guestmemory.RegionSpec{
		{GPA: 0, Size: 0x2000},
		{GPA: 0x1000, Size: 0x1000},
	})
	if !errors.Is(err, guestmemory.ErrOverlap) {
		t.Fatalf("got %v, want ErrOverlap", err)
	}
}

func TestReadAtOutOfBounds(t *testing.T) {
	gm, err := guestmemory.WithRegions([]guestmemory.RegionSpec{
		{GPA: 0, Size: 0x1000},
	})
	if err != nil {
		t.Fatalf("WithRegions: %v", err)
	}
	defer gm.Close()

	buf := make([]byte, 16)
	if err := gm.ReadAt(0x2000, buf); !errors.Is(err, guestmemory.ErrOutOfBounds) {
		t.Fatalf("got %v, want ErrOutOfBounds", err)
	}
	// straddling the region end is also out of bounds
	if err := gm.ReadAt(0x0FF8, buf); !errors.Is(err, guestmemory.ErrOutOfBounds) {
		t.Fatalf("got %v, want ErrOutOfBounds", err)
	}
}

func TestGetSliceIsZeroCopy(t *testing.T) {
	gm, err := guestmemory.WithRegions([]guestmemory.RegionSpec{
		{GPA: 0, Size: 0x1000},
	})
	if err != nil {
		t.Fatalf("WithRegions: %v", err)
	}
	defer gm.Close()

	s, err := gm.GetSlice(0x100, 16)
	if err != nil {
		t.Fatalf("GetSlice: %v", err)
	}
	s[0] = 0x42
	got := make([]byte, 1)
	if err := gm.ReadAt(0x100, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 0x42 {
		t.Fatalf("GetSlice did not alias backing memory, got %#x", got[0])
	}
}

func TestRegionForHypervisorEnumeratesSlots(t *testing.T) {
	gm, err := guestmemory.WithRegions([]guestmemory.RegionSpec{
		{GPA: 0x10000, Size: 0x1000},
		{GPA: 0, Size: 0x1000},
	})
	if err != nil {
		t.Fatalf("WithRegions: %v", err)
	}
	defer gm.Close()

	regions := gm.RegionForHypervisor()
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	for _, r := range regions {
		if r.HostAddr == 0 {
			t.Fatalf("region slot %d has nil host address", r.Slot)
		}
	}
}
