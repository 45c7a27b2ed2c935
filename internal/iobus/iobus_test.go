package iobus_test

import (
	"testing"

	"github.com/catramen/govmm/internal/iobus"
	"github.com/stretchr/testify/require"
)

type recordingDevice struct {
	reads  []uint64
	writes map[uint64][]byte
}

func newRecordingDevice() *recordingDevice {
	return &recordingDevice{writes: map[uint64][]byte{}}
}

func (d *recordingDevice) Read(offset uint64, buf []byte) {
	d.reads = append(d.reads, offset)
	for i := range buf {
		buf[i] = byte(offset) + byte(i)
	}
}

func (d *recordingDevice) Write(offset uint64, buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.writes[offset] = cp
}

func TestInsertRejectsOverlap(t *testing.T) {
	bus := iobus.New()
	require.NoError(t, bus.Insert(newRecordingDevice(), 0x1000, 0x1000))

	err := bus.Insert(newRecordingDevice(), 0x1800, 0x1000)
	require.ErrorIs(t, err, iobus.ErrOverlap)

	// exact adjacency (no overlap) must succeed
	require.NoError(t, bus.Insert(newRecordingDevice(), 0x2000, 0x1000))
}

func TestReadWriteDispatchesWithOffset(t *testing.T) {
	bus := iobus.New()
	dev := newRecordingDevice()
	require.NoError(t, bus.Insert(dev, 0x4000, 0x100))

	buf := make([]byte, 4)
	ok := bus.Read(0x4010, buf)
	require.True(t, ok)
	require.Equal(t, []uint64{0x10}, dev.reads)

	ok = bus.Write(0x4020, []byte{1, 2, 3, 4})
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, dev.writes[0x20])
}

func TestReadReturnsFalseWhenUnclaimed(t *testing.T) {
	bus := iobus.New()
	require.NoError(t, bus.Insert(newRecordingDevice(), 0x1000, 0x100))

	buf := make([]byte, 4)
	ok := bus.Read(0x9000, buf)
	require.False(t, ok)
}

func TestRemoveDropsEntry(t *testing.T) {
	bus := iobus.New()
	dev := newRecordingDevice()
	require.NoError(t, bus.Insert(dev, 0x1000, 0x100))
	bus.Remove(0x1000)

	ok := bus.Read(0x1000, make([]byte, 1))
	require.False(t, ok)
}
