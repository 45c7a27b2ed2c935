package devicemgr_test

import (
	"os"
	"testing"

	"github.com/catramen/govmm/internal/devicemgr"
	"github.com/catramen/govmm/internal/guestmemory"
	"github.com/catramen/govmm/internal/iobus"
	"github.com/stretchr/testify/require"
)

type fakeVM struct{}

func (fakeVM) RegisterIOEvent(fd int, addr uint64, length uint32, datamatch uint64) error {
	return nil
}
func (fakeVM) IRQLine(gsi uint32, level uint32) error { return nil }

func TestAddBlockDeviceInsertsOnBus(t *testing.T) {
	mem, err := guestmemory.WithRegions([]guestmemory.RegionSpec{{GPA: 0, Size: 1 << 20}})
	require.NoError(t, err)
	defer mem.Close()

	f, err := os.CreateTemp(t.TempDir(), "disk")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	require.NoError(t, f.Close())

	bus := iobus.New()
	mgr := devicemgr.New(mem, fakeVM{}, bus)

	transport, err := mgr.AddBlockDevice(f.Name(), "disk0")
	require.NoError(t, err)
	require.NotNil(t, transport)

	buf := make([]byte, 4)
	ok := bus.Read(0xd0000000, buf)
	require.True(t, ok)
	require.Equal(t, []byte{'v', 'i', 'r', 't'}, buf) // magic value, little-endian bytes

	require.NoError(t, mgr.Close())
}
