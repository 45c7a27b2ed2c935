package virtio

import (
	"testing"

	"github.com/catramen/govmm/internal/guestmemory"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *guestmemory.GuestMemory {
	t.Helper()
	// Sized to cover block_test.go's fixed rig offsets (descriptor table,
	// avail/used rings, data and header areas up to 0x500000-ish) as well
	// as the small in-region addresses the WalkChain tests use directly.
	gm, err := guestmemory.WithRegions([]guestmemory.RegionSpec{{GPA: 0, Size: 1 << 23}})
	require.NoError(t, err)
	t.Cleanup(func() { gm.Close() })
	return gm
}

func writeDescriptor(t *testing.T, mem *guestmemory.GuestMemory, tableGPA uint64, idx uint32, d Descriptor) {
	t.Helper()
	buf := make([]byte, descriptorSize)
	putLE64(buf[0:8], d.Addr)
	putLE32(buf[8:12], d.Len)
	putLE16(buf[12:14], d.Flags)
	putLE16(buf[14:16], d.Next)
	require.NoError(t, mem.WriteAt(tableGPA+uint64(idx)*descriptorSize, buf))
}

func TestWalkChainFollowsNextFlags(t *testing.T) {
	mem := newTestMemory(t)
	const table = 0x1000

	writeDescriptor(t, mem, table, 0, Descriptor{Addr: 0x10000, Len: 16, Flags: descFlagNext, Next: 1})
	writeDescriptor(t, mem, table, 1, Descriptor{Addr: 0x20000, Len: 512, Flags: descFlagNext | descFlagWrite, Next: 2})
	writeDescriptor(t, mem, table, 2, Descriptor{Addr: 0x20200, Len: 1, Flags: descFlagWrite})

	chain, err := WalkChain(mem, table, 8, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(0), chain.HeadID)
	require.Len(t, chain.Readable, 1)
	require.Len(t, chain.Writable, 2)
	require.Equal(t, uint32(16), chain.Readable[0].Len)
	require.Equal(t, uint32(512), chain.Writable[0].Len)
	require.Equal(t, uint32(1), chain.Writable[1].Len)
}

func TestWalkChainDetectsCycle(t *testing.T) {
	mem := newTestMemory(t)
	const table = 0x1000

	// S4: an 8-entry descriptor cycle, 0->1->...->7->0.
	for i := uint32(0); i < 8; i++ {
		next := uint16((i + 1) % 8)
		writeDescriptor(t, mem, table, i, Descriptor{Addr: 0x10000, Len: 16, Flags: descFlagNext, Next: next})
	}

	_, err := WalkChain(mem, table, 8, 0)
	require.ErrorIs(t, err, ErrChainTooLong)
}

func TestWalkChainIndirect(t *testing.T) {
	mem := newTestMemory(t)
	const table = 0x1000
	const indirectTable = 0x5000

	writeDescriptor(t, mem, indirectTable, 0, Descriptor{Addr: 0x10000, Len: 16, Flags: descFlagNext, Next: 1})
	writeDescriptor(t, mem, indirectTable, 1, Descriptor{Addr: 0x20000, Len: 512, Flags: descFlagWrite})

	writeDescriptor(t, mem, table, 0, Descriptor{Addr: indirectTable, Len: 2 * descriptorSize, Flags: descFlagIndirect})

	chain, err := WalkChain(mem, table, 8, 0)
	require.NoError(t, err)
	require.Len(t, chain.Readable, 1)
	require.Len(t, chain.Writable, 1)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
