// Package devicemgr builds devices, allocates their MMIO windows and IRQ
// lines, and hands each device's transport the hypervisor handle it uses
// to register queue-notify ioeventfds and to assert its IRQ line. No
// irqfd is registered; interrupts go through the hypervisor's IRQ-line
// ioctl.
package devicemgr

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/catramen/govmm/internal/guestmemory"
	"github.com/catramen/govmm/internal/iobus"
	"github.com/catramen/govmm/internal/logging"
	"github.com/catramen/govmm/internal/virtio"
)

// MMIO window parameters for the virtio-mmio device region: each device
// gets one page, starting just above the legacy PC memory hole the arch
// bootstrap collaborator reserves.
const (
	mmioWindowBase = 0xd0000000
	mmioWindowSize = 0x1000

	firstVirtioGSI = 5
)

// HypervisorVM is the subset of the hypervisor Vm handle the device
// manager needs: interrupt injection and ioeventfd registration, shared
// with the virtio transport's own narrower interfaces.
type HypervisorVM interface {
	virtio.IOEventRegistrar
	virtio.IRQInjector
}

// Manager owns the set of constructed devices and the allocators for
// their MMIO windows and GSIs.
type Manager struct {
	mem   *guestmemory.GuestMemory
	vm    HypervisorVM
	mmio  *iobus.Bus
	nextWindow uint64
	nextGSI    uint32

	blockDevices []*virtio.BlockDevice
	transports   []*virtio.Transport

	log *log.Entry
}

// New creates a device manager bound to mem (for device workers that walk
// guest memory), vm (for ioeventfd registration and IRQ-line assertion), and the MMIO bus
// devices are inserted onto.
func New(mem *guestmemory.GuestMemory, vm HypervisorVM, mmio *iobus.Bus) *Manager {
	return &Manager{
		mem:        mem,
		vm:         vm,
		mmio:       mmio,
		nextWindow: mmioWindowBase,
		nextGSI:    firstVirtioGSI,
		log:        logging.For("devicemgr"),
	}
}

// AddBlockDevice constructs a virtio-blk device backed by path, allocates
// its MMIO window and GSI, and inserts it on the MMIO bus. The returned
// transport has a bus entry and is bound to its GSI before this call
// returns; it raises that GSI with IRQ-line assert/deassert calls, and no
// irqfd is registered for it. Per-queue
// ioeventfds are bound lazily on the DriverOk transition, once the guest
// has told the device its queue sizes.
func (m *Manager) AddBlockDevice(path, id string) (*virtio.Transport, error) {
	dev, err := virtio.NewBlockDevice(path, id)
	if err != nil {
		return nil, fmt.Errorf("devicemgr: block device %q: %w", path, err)
	}

	base := m.nextWindow
	m.nextWindow += mmioWindowSize
	gsi := m.nextGSI
	m.nextGSI++

	transport := virtio.NewTransport(m.mem, dev, m.vm, m.vm, base, gsi)
	dev.BindTransport(transport)

	if err := m.mmio.Insert(transport, base, mmioWindowSize); err != nil {
		return nil, fmt.Errorf("devicemgr: insert mmio window for %q: %w", path, err)
	}

	m.log.WithFields(log.Fields{
		"path": path, "mmio_base": fmt.Sprintf("%#x", base), "gsi": gsi,
	}).Info("block device attached")

	m.blockDevices = append(m.blockDevices, dev)
	m.transports = append(m.transports, transport)
	return transport, nil
}

// Transports returns every virtio transport constructed so far, in
// construction order, for enumeration (e.g. to build the guest's device
// tree / ACPI table, owned by the arch bootstrap collaborator).
func (m *Manager) Transports() []*virtio.Transport {
	return m.transports
}

// Close resets every device's status (stopping queue workers) and
// releases backing files. Call during VM Supervisor shutdown, after all
// vCPU threads have joined.
func (m *Manager) Close() error {
	var firstErr error
	for _, t := range m.transports {
		// drop to Reset so any running worker observes the kill-eventfd
		t.Reset()
	}
	for _, d := range m.blockDevices {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
