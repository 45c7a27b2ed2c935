package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/catramen/govmm/internal/guestmemory"
)

const noInterrupt = 1 << 0 // avail.flags bit suppressing used-ring interrupts

// usedElemSize is sizeof(struct { id, len uint32 }).
const usedElemSize = 8

// Queue is one virtqueue's negotiated state: ring locations, the
// driver/device progress indices, and the notify binding. It mirrors the
// spec's Virtqueue record: Ready implies all three ring GPAs are valid
// and Size is a power of two within the transport's advertised maximum.
type Queue struct {
	Index   uint32
	Size    uint32
	Ready   bool
	DescGPA uint64
	AvailGPA uint64
	UsedGPA uint64

	LastAvailIdx     uint16
	SignalledUsedIdx uint16

	NotifyFD int // ioeventfd bound to this queue's notify register
}

// AvailIdx reads avail.idx. The guest's write of new ring entries
// happens-before its increment of idx, and mem.ReadAt has already copied
// the bytes out of guest memory, so a plain decode is sufficient.
func (q *Queue) AvailIdx(mem *guestmemory.GuestMemory) (uint16, error) {
	buf := make([]byte, 2)
	if err := mem.ReadAt(q.AvailGPA+2, buf); err != nil {
		return 0, fmt.Errorf("virtio: read avail.idx: %w", err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// AvailFlags reads avail.flags.
func (q *Queue) AvailFlags(mem *guestmemory.GuestMemory) (uint16, error) {
	buf := make([]byte, 2)
	if err := mem.ReadAt(q.AvailGPA, buf); err != nil {
		return 0, fmt.Errorf("virtio: read avail.flags: %w", err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// AvailRingEntry reads avail.ring[slot % size].
func (q *Queue) AvailRingEntry(mem *guestmemory.GuestMemory, slot uint16) (uint16, error) {
	offset := q.AvailGPA + 4 + uint64(slot%uint16(q.Size))*2
	buf := make([]byte, 2)
	if err := mem.ReadAt(offset, buf); err != nil {
		return 0, fmt.Errorf("virtio: read avail.ring[%d]: %w", slot, err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// usedIdxGPA returns the guest physical address of used.idx.
func (q *Queue) usedIdxGPA() uint64 { return q.UsedGPA + 2 }

// UsedIdx reads used.idx.
func (q *Queue) UsedIdx(mem *guestmemory.GuestMemory) (uint16, error) {
	buf := make([]byte, 2)
	if err := mem.ReadAt(q.usedIdxGPA(), buf); err != nil {
		return 0, fmt.Errorf("virtio: read used.idx: %w", err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// WriteUsedEntry writes used.ring[idx % size] = {id, len} and then
// increments used.idx. Both are plain (non-atomic) copies into guest
// memory made in that program order; no atomic store or explicit memory
// barrier is issued between them.
func (q *Queue) WriteUsedEntry(mem *guestmemory.GuestMemory, usedIdx uint16, id uint32, length uint32) error {
	offset := q.UsedGPA + 4 + uint64(usedIdx%uint16(q.Size))*usedElemSize
	buf := make([]byte, usedElemSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], length)
	if err := mem.WriteAt(offset, buf); err != nil {
		return fmt.Errorf("virtio: write used entry: %w", err)
	}

	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, usedIdx+1)
	if err := mem.WriteAt(q.usedIdxGPA(), idxBuf); err != nil {
		return fmt.Errorf("virtio: write used.idx: %w", err)
	}
	return nil
}

// ShouldInterrupt reports whether the device must assert the used-ring
// interrupt after publishing used entries, honoring the avail.flags
// NO_INTERRUPT suppression bit (event-index negotiation is not
// implemented; this core always treats EVENT_IDX as not negotiated).
func (q *Queue) ShouldInterrupt(mem *guestmemory.GuestMemory) (bool, error) {
	flags, err := q.AvailFlags(mem)
	if err != nil {
		return false, err
	}
	return flags&noInterrupt == 0, nil
}
