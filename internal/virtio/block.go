package virtio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/catramen/govmm/internal/eventloop"
	"github.com/catramen/govmm/internal/guestmemory"
	"github.com/catramen/govmm/internal/logging"
)

// Block request types, per the virtio-blk wire format.
const (
	blkTypeIn     = 0
	blkTypeOut    = 1
	blkTypeFlush  = 4
	blkTypeGetID  = 8
)

// Block request status codes written into the trailing 1-byte writable
// descriptor.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

const blockDeviceID = 2 // virtio-blk's device_id per the virtio spec registry

const requestHeaderSize = 16 // u32 type, u32 reserved, u64 sector

// BlockDevice is the virtio-blk backend: a single worker draining one
// queue against a backing file opened once at construction.
type BlockDevice struct {
	mu   sync.Mutex
	file *os.File
	size int64
	id   string

	mem       *guestmemory.GuestMemory
	transport *Transport

	killFD  int
	stopped chan struct{}
	log     *log.Entry
}

// NewBlockDevice opens path read-write as the block backend. id is
// reported verbatim (truncated/padded to 20 bytes) for GET_ID requests.
func NewBlockDevice(path, id string) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: open backing file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio: stat backing file: %w", err)
	}
	return &BlockDevice{
		file: f,
		size: fi.Size(),
		id:   id,
		log:  logging.For("virtio-blk"),
	}, nil
}

// BindTransport associates the backend with the transport that owns it,
// so queue workers can walk guest memory and raise interrupts. Called
// once by the Device Manager right after NewTransport.
func (b *BlockDevice) BindTransport(t *Transport) {
	b.transport = t
	b.mem = t.Memory()
}

func (b *BlockDevice) DeviceID() uint32 { return blockDeviceID }
func (b *BlockDevice) NumQueues() int   { return 1 }
func (b *BlockDevice) MaxQueueSize(int) uint32 { return 256 }

func (b *BlockDevice) ConfigRead(offset uint64, buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// config.capacity is the first field of virtio-blk's config space,
	// expressed in 512-byte sectors.
	if offset+uint64(len(buf)) <= 8 {
		tmp := make([]byte, 8)
		binary.LittleEndian.PutUint64(tmp, uint64(b.size)/512)
		copy(buf, tmp[offset:])
	}
}

func (b *BlockDevice) ConfigWrite(uint64, []byte) {
	// virtio-blk's config space is read-only from the driver's side.
}

// Activate is called once per ready queue on the DriverOk transition; it
// arms the kill-eventfd and spawns the single worker goroutine that
// services this queue for the rest of its activation lifetime.
func (b *BlockDevice) Activate(q *Queue) error {
	killFD, err := newEventFD()
	if err != nil {
		return fmt.Errorf("virtio: kill eventfd: %w", err)
	}
	b.killFD = killFD
	b.stopped = make(chan struct{})

	go b.runQueue(q)
	return nil
}

// Reset stops the worker and releases the kill-eventfd; called when the
// driver writes status=0.
func (b *BlockDevice) Reset() {
	if b.killFD == 0 {
		return
	}
	writeEventFD(b.killFD)
	<-b.stopped
	closeFD(b.killFD)
	b.killFD = 0
}

func (b *BlockDevice) runQueue(q *Queue) {
	defer close(b.stopped)

	pc, err := eventloop.New()
	if err != nil {
		b.log.WithError(err).Error("worker poll context")
		return
	}
	defer pc.Close()

	killToken := eventloop.Token{Kind: eventloop.TokenTimer, DeviceID: q.Index}
	notifyToken := eventloop.Token{Kind: eventloop.TokenDeviceInterrupt, DeviceID: q.Index, QueueID: q.Index}
	if err := pc.Add(b.killFD, killToken); err != nil {
		b.log.WithError(err).Error("register kill eventfd")
		return
	}
	if err := pc.Add(q.NotifyFD, notifyToken); err != nil {
		b.log.WithError(err).Error("register notify eventfd")
		return
	}

	for {
		events, err := pc.Wait(-1)
		if err != nil {
			b.log.WithError(err).Error("worker poll wait")
			return
		}
		for _, ev := range events {
			if ev.Token.Kind == eventloop.TokenTimer {
				return
			}
		}
		drainEventFD(q.NotifyFD)
		if err := b.drainQueue(q); err != nil {
			b.log.WithError(err).Error("queue processing failed, device entering Failed state")
			// Set the flag directly rather than through the transport's mu:
			// Reset (called from Transport.writeStatus while holding mu)
			// blocks on <-b.stopped, so taking mu here would deadlock
			// against a concurrent Reset.
			orUint32(&b.transport.status, StatusFailed)
			return
		}
	}
}

// drainQueue implements the split-virtqueue algorithm of the component
// design: walk every newly available head, process the request, publish
// a used entry, and raise the interrupt once after draining.
func (b *BlockDevice) drainQueue(q *Queue) error {
	availIdx, err := q.AvailIdx(b.mem)
	if err != nil {
		return err
	}

	produced := false
	for q.LastAvailIdx != availIdx {
		head, err := q.AvailRingEntry(b.mem, q.LastAvailIdx)
		if err != nil {
			return err
		}
		if head >= uint16(q.Size) {
			return fmt.Errorf("%w: head %d", ErrBadDescriptor, head)
		}

		chain, err := WalkChain(b.mem, q.DescGPA, q.Size, head)
		if err != nil {
			return err
		}

		usedLen, err := b.processRequest(chain)
		if err != nil {
			return err
		}

		usedIdx, err := q.UsedIdx(b.mem)
		if err != nil {
			return err
		}
		if err := q.WriteUsedEntry(b.mem, usedIdx, uint32(head), usedLen); err != nil {
			return err
		}
		produced = true
		q.LastAvailIdx++
	}

	if !produced {
		return nil
	}
	should, err := q.ShouldInterrupt(b.mem)
	if err != nil {
		return err
	}
	if should {
		return b.transport.RaiseUsedInterrupt()
	}
	return nil
}

// processRequest executes one parsed descriptor chain against the
// backing file and returns the used-ring length: the data bytes consumed
// plus the trailing status byte, per invariant 3.
func (b *BlockDevice) processRequest(chain Chain) (uint32, error) {
	dataWritable, statusSeg, err := splitStatusSegment(chain.Writable)
	if err != nil {
		return 0, err
	}
	dataLen := segmentsLen(dataWritable)

	header, readBody, ok := b.readHeader(chain.Readable)
	if !ok {
		b.zeroSegments(dataWritable)
		b.writeStatus(statusSeg, StatusIOErr)
		return dataLen + 1, nil
	}

	status := b.execute(header, readBody, dataWritable)
	b.writeStatus(statusSeg, status)
	return dataLen + 1, nil
}

type blockHeader struct {
	typ    uint32
	sector uint64
}

// readHeader concatenates the readable segments and parses the leading
// 16-byte request header; ok is false if fewer than 16 bytes are
// available, the "zero-length chain" boundary case.
func (b *BlockDevice) readHeader(readable []ChainSegment) (blockHeader, []byte, bool) {
	buf := make([]byte, 0, 64)
	for _, seg := range readable {
		chunk := make([]byte, seg.Len)
		if err := b.mem.ReadAt(seg.GPA, chunk); err != nil {
			return blockHeader{}, nil, false
		}
		buf = append(buf, chunk...)
	}
	if len(buf) < requestHeaderSize {
		return blockHeader{}, nil, false
	}
	h := blockHeader{
		typ:    binary.LittleEndian.Uint32(buf[0:4]),
		sector: binary.LittleEndian.Uint64(buf[8:16]),
	}
	return h, buf[requestHeaderSize:], true
}

// execute performs the I/O for one request and returns the status byte.
func (b *BlockDevice) execute(h blockHeader, body []byte, dataOut []ChainSegment) byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch h.typ {
	case blkTypeIn:
		want := segmentsLen(dataOut)
		buf := make([]byte, want)
		n, err := b.file.ReadAt(buf, int64(h.sector)*512)
		if err != nil && n == 0 {
			b.zeroSegments(dataOut)
			return StatusIOErr
		}
		if err := b.scatterWrite(dataOut, buf); err != nil {
			return StatusIOErr
		}
		return StatusOK
	case blkTypeOut:
		if _, err := b.file.WriteAt(body, int64(h.sector)*512); err != nil {
			return StatusIOErr
		}
		return StatusOK
	case blkTypeFlush:
		if err := b.file.Sync(); err != nil {
			return StatusIOErr
		}
		return StatusOK
	case blkTypeGetID:
		idBytes := make([]byte, 20)
		copy(idBytes, []byte(b.id))
		if err := b.scatterWrite(dataOut, idBytes); err != nil {
			return StatusIOErr
		}
		return StatusOK
	default:
		b.zeroSegments(dataOut)
		return StatusUnsupp
	}
}

func (b *BlockDevice) scatterWrite(segs []ChainSegment, data []byte) error {
	off := 0
	for _, seg := range segs {
		n := int(seg.Len)
		if off+n > len(data) {
			n = len(data) - off
		}
		if n < 0 {
			n = 0
		}
		chunk := make([]byte, seg.Len)
		copy(chunk, data[off:off+n])
		if err := b.mem.WriteAt(seg.GPA, chunk); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (b *BlockDevice) zeroSegments(segs []ChainSegment) {
	for _, seg := range segs {
		zeros := make([]byte, seg.Len)
		_ = b.mem.WriteAt(seg.GPA, zeros)
	}
}

func (b *BlockDevice) writeStatus(seg ChainSegment, status byte) {
	if seg.Len == 0 {
		return
	}
	_ = b.mem.WriteAt(seg.GPA, []byte{status})
}

// splitStatusSegment treats the last writable segment in the chain as
// the 1-byte status descriptor, per the wire format; it is an error for
// that trailing segment to be any length other than 1, but an entirely
// empty writable set is tolerated (nothing to write, including no status).
func splitStatusSegment(writable []ChainSegment) ([]ChainSegment, ChainSegment, error) {
	if len(writable) == 0 {
		return nil, ChainSegment{}, nil
	}
	last := writable[len(writable)-1]
	if last.Len != 1 {
		return nil, ChainSegment{}, fmt.Errorf("%w: trailing writable segment has len %d, want 1", ErrBadDescriptor, last.Len)
	}
	return writable[:len(writable)-1], last, nil
}

func segmentsLen(segs []ChainSegment) uint32 {
	var total uint32
	for _, s := range segs {
		total += s.Len
	}
	return total
}

// Close releases the backing file. Call only after the worker has
// stopped (Reset or queue deactivation).
func (b *BlockDevice) Close() error {
	return b.file.Close()
}
