package virtio

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/catramen/govmm/internal/guestmemory"
	"github.com/catramen/govmm/internal/logging"
)

// MMIO register offsets, virtio 1.0 MMIO transport.
const (
	regMagic           = 0x00
	regVersion         = 0x04
	regDeviceID        = 0x08
	regVendorID        = 0x0c
	regDeviceFeatSel   = 0x10
	regDeviceFeat      = 0x14
	regDriverFeatSel   = 0x20
	regDriverFeat      = 0x24
	regQueueSel        = 0x30
	regQueueNumMax     = 0x34
	regQueueNum        = 0x38
	regQueueReady      = 0x44
	regQueueNotify     = 0x50
	regInterruptStatus = 0x60
	regInterruptAck    = 0x64
	regStatus          = 0x70
	regQueueDescLow    = 0x80
	regQueueDescHigh   = 0x84
	regQueueAvailLow   = 0x90
	regQueueAvailHigh  = 0x94
	regQueueUsedLow    = 0xa0
	regQueueUsedHigh   = 0xa4
	regConfigArea      = 0x100
)

const (
	mmioMagicValue = 0x74726976 // "virt" little-endian
	mmioVersion    = 2

	// QueueNotifyOffset is the device-manager-visible offset used to
	// compute each queue's ioeventfd datamatch registration address, per
	// the Device Manager's invariant (b).
	QueueNotifyOffset = regQueueNotify
)

// Device status bits, per the virtio 1.0 state machine.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

const interruptStatusUsedRing = 1 << 0

// IOEventRegistrar is the subset of the hypervisor Vm handle the
// transport needs to wire a queue-notify ioeventfd shortcut.
type IOEventRegistrar interface {
	RegisterIOEvent(fd int, addr uint64, length uint32, datamatch uint64) error
}

// IRQInjector is the subset of the hypervisor Vm handle the transport
// needs to raise the device's interrupt line.
type IRQInjector interface {
	IRQLine(gsi uint32, level uint32) error
}

// Backend is the device-specific half of a virtio-mmio device: identity,
// config space, and queue activation/reset.
type Backend interface {
	DeviceID() uint32
	NumQueues() int
	MaxQueueSize(index int) uint32
	ConfigRead(offset uint64, buf []byte)
	ConfigWrite(offset uint64, buf []byte)
	// Activate is called once, on the DriverOk transition, for every
	// queue whose Ready bit is set, after the transport has checked the
	// queue's size and ring addresses; it arms/spawns the worker that
	// will service it.
	Activate(q *Queue) error
	// Reset releases per-activation resources (worker threads, open
	// kill-eventfds) so the device can be re-activated from scratch.
	Reset()
}

// Transport is one virtio-mmio device's register file and device-status
// state machine. It implements iobus.Device so the Device Manager can
// insert it directly on the MMIO bus.
type Transport struct {
	mu sync.Mutex

	mem     *guestmemory.GuestMemory
	backend Backend
	vm      IOEventRegistrar
	irq     IRQInjector
	gsi     uint32
	mmioBase uint64

	deviceFeatSel       uint32
	driverFeatSelActive uint32
	driverFeat          [2]uint32 // indexed by driverFeatSelActive

	queueSel uint32
	queues   []Queue

	status           uint32 // read/written via atomic; workers set StatusFailed without t.mu
	interruptStatus  uint32 // read via atomic
	log              *log.Entry
}

// NewTransport builds the register file for backend, sized for
// backend.NumQueues() queues, bound to gsi for interrupt delivery.
func NewTransport(mem *guestmemory.GuestMemory, backend Backend, vm IOEventRegistrar, irq IRQInjector, mmioBase uint64, gsi uint32) *Transport {
	queues := make([]Queue, backend.NumQueues())
	for i := range queues {
		queues[i].Index = uint32(i)
	}
	return &Transport{
		mem:      mem,
		backend:  backend,
		vm:       vm,
		irq:      irq,
		gsi:      gsi,
		mmioBase: mmioBase,
		queues:   queues,
		log:      logging.For("virtio-mmio"),
	}
}

func (t *Transport) currentQueue() *Queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return &t.queues[t.queueSel]
}

// Read implements iobus.Device.
func (t *Transport) Read(offset uint64, buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= regConfigArea {
		t.backend.ConfigRead(offset-regConfigArea, buf)
		return
	}

	var v uint32
	switch offset {
	case regMagic:
		v = mmioMagicValue
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = t.backend.DeviceID()
	case regVendorID:
		v = 0x554d4551 // "QEMU"-style placeholder vendor id
	case regDeviceFeat:
		// No optional feature bits are offered beyond the base virtio
		// 1.0 transport (VIRTIO_F_VERSION_1, bit 32, reported only when
		// deviceFeatSel selects the high word).
		if t.deviceFeatSel == 1 {
			v = 1 << 0
		}
	case regQueueNumMax:
		if q := t.currentQueue(); q != nil {
			v = t.backend.MaxQueueSize(int(q.Index))
		}
	case regQueueReady:
		if q := t.currentQueue(); q != nil && q.Ready {
			v = 1
		}
	case regInterruptStatus:
		v = atomic.LoadUint32(&t.interruptStatus)
	case regStatus:
		v = atomic.LoadUint32(&t.status)
	default:
		v = 0
	}
	putLE32(buf, v)
}

// Write implements iobus.Device.
func (t *Transport) Write(offset uint64, buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= regConfigArea {
		t.backend.ConfigWrite(offset-regConfigArea, buf)
		return
	}

	v := getLE32(buf)
	switch offset {
	case regDeviceFeatSel:
		t.deviceFeatSel = v
	case regDriverFeatSel:
		// selects which 32-bit half of driverFeat subsequent writes land in
		t.driverFeatSelActive = v
	case regDriverFeat:
		if int(t.driverFeatSelActive) < len(t.driverFeat) {
			t.driverFeat[t.driverFeatSelActive] = v
		}
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		if q := t.currentQueue(); q != nil {
			q.Size = v
		}
	case regQueueReady:
		if q := t.currentQueue(); q != nil {
			q.Ready = v == 1
		}
	case regQueueDescLow:
		if q := t.currentQueue(); q != nil {
			t.setQueueAddr(&q.DescGPA, v, false)
		}
	case regQueueDescHigh:
		if q := t.currentQueue(); q != nil {
			t.setQueueAddr(&q.DescGPA, v, true)
		}
	case regQueueAvailLow:
		if q := t.currentQueue(); q != nil {
			t.setQueueAddr(&q.AvailGPA, v, false)
		}
	case regQueueAvailHigh:
		if q := t.currentQueue(); q != nil {
			t.setQueueAddr(&q.AvailGPA, v, true)
		}
	case regQueueUsedLow:
		if q := t.currentQueue(); q != nil {
			t.setQueueAddr(&q.UsedGPA, v, false)
		}
	case regQueueUsedHigh:
		if q := t.currentQueue(); q != nil {
			t.setQueueAddr(&q.UsedGPA, v, true)
		}
	case regInterruptAck:
		andUint32(&t.interruptStatus, ^v)
	case regStatus:
		t.writeStatus(v)
	default:
		// unknown/unhandled register: ignored, matching the bus's
		// "benign no-op on unclaimed access" contract
	}
}

// Reset stops the device's queue workers and returns it to the Reset
// status, the same transition a guest write of status=0 performs. The
// Device Manager's Close calls this during shutdown, after the VM
// Supervisor's Run has joined every vCPU thread.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeStatus(0)
}

func (t *Transport) setQueueAddr(field *uint64, v uint32, high bool) {
	if field == nil {
		return
	}
	if high {
		*field = (*field & 0xffffffff) | (uint64(v) << 32)
	} else {
		*field = (*field &^ 0xffffffff) | uint64(v)
	}
}

func (t *Transport) writeStatus(v uint32) {
	if v == 0 {
		t.log.Debug("device status reset")
		t.backend.Reset()
		for i := range t.queues {
			t.queues[i] = Queue{Index: uint32(i)}
		}
		atomic.StoreUint32(&t.status, 0)
		atomic.StoreUint32(&t.interruptStatus, 0)
		return
	}

	becameDriverOK := v&StatusDriverOK != 0 && atomic.LoadUint32(&t.status)&StatusDriverOK == 0
	atomic.StoreUint32(&t.status, v)
	if v&StatusFailed != 0 {
		t.log.Warn("driver marked device failed")
		return
	}
	if !becameDriverOK {
		return
	}

	for i := range t.queues {
		q := &t.queues[i]
		if !q.Ready {
			continue
		}
		if q.Size == 0 || q.Size&(q.Size-1) != 0 || q.Size > t.backend.MaxQueueSize(int(q.Index)) {
			t.log.WithField("queue", q.Index).Errorf("invalid queue size %d", q.Size)
			orUint32(&t.status, StatusFailed)
			return
		}
		_, errDesc := t.mem.GetSlice(q.DescGPA, uint64(q.Size)*descriptorSize)
		_, errAvail := t.mem.GetSlice(q.AvailGPA, 6+2*uint64(q.Size))
		_, errUsed := t.mem.GetSlice(q.UsedGPA, 6+usedElemSize*uint64(q.Size))
		if errDesc != nil || errAvail != nil || errUsed != nil {
			t.log.WithField("queue", q.Index).Error("queue ring outside guest memory")
			orUint32(&t.status, StatusFailed)
			return
		}
		notifyAddr := t.mmioBase + QueueNotifyOffset
		fd, err := newEventFD()
		if err != nil {
			t.log.WithError(err).Error("eventfd for queue notify")
			orUint32(&t.status, StatusFailed)
			return
		}
		q.NotifyFD = fd
		if err := t.vm.RegisterIOEvent(fd, notifyAddr, 4, uint64(q.Index)); err != nil {
			t.log.WithError(err).Error("register ioeventfd")
			orUint32(&t.status, StatusFailed)
			return
		}
		if err := t.backend.Activate(q); err != nil {
			t.log.WithError(err).WithField("queue", q.Index).Error("activate queue")
			orUint32(&t.status, StatusFailed)
			return
		}
	}
}

// RaiseUsedInterrupt asserts the used-ring interrupt-status bit and
// signals the device's GSI, edge-triggered (assert then deassert) the
// way the teacher's InjectSerialIRQ does.
func (t *Transport) RaiseUsedInterrupt() error {
	orUint32(&t.interruptStatus, interruptStatusUsedRing)
	if err := t.irq.IRQLine(t.gsi, 1); err != nil {
		return err
	}
	return t.irq.IRQLine(t.gsi, 0)
}

// Queues returns the transport's queue table for read access by workers.
func (t *Transport) Queues() []Queue {
	return t.queues
}

// Memory exposes the guest memory view so device workers constructed
// alongside the transport can walk descriptor chains.
func (t *Transport) Memory() *guestmemory.GuestMemory {
	return t.mem
}

// andUint32 and orUint32 provide the bitwise read-modify-write atomics
// sync/atomic only grew typed wrapper methods for in later Go versions;
// a compare-and-swap retry loop keeps this buildable against go1.21.
func andUint32(addr *uint32, mask uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&mask) {
			return
		}
	}
}

func orUint32(addr *uint32, mask uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|mask) {
			return
		}
	}
}

func putLE32(buf []byte, v uint32) {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	copy(buf, tmp)
}

func getLE32(buf []byte) uint32 {
	tmp := make([]byte, 4)
	copy(tmp, buf)
	return binary.LittleEndian.Uint32(tmp)
}
