// Package control implements the VMM's operator-facing control socket: a
// length-prefixed command/reply codec over a Unix domain socket, per the
// Control Socket Codec component.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command tags, one byte on the wire.
const (
	tagShutdown      byte = 1
	tagBalloonAdjust byte = 2
	tagDiskResize    byte = 3
)

// Reply tags.
const (
	tagOk  byte = 0
	tagErr byte = 1
)

// ErrorCode is the payload of an Err reply.
type ErrorCode uint32

// EProtocol is returned for malformed frames: unknown tag, short payload,
// or a length prefix that exceeds maxFrameSize.
const EProtocol ErrorCode = 1

const maxFrameSize = 1 << 16

// ErrProtocol wraps any frame-level decode failure.
var ErrProtocol = errors.New("control: protocol error")

// Command is the decoded form of one framed request.
type Command struct {
	Kind         CommandKind
	BalloonPages uint64 // BalloonAdjust
	DiskIndex    uint32 // DiskResize
	NewSize      uint64 // DiskResize
}

// CommandKind tags which Command variant is populated.
type CommandKind int

const (
	Shutdown CommandKind = iota
	BalloonAdjust
	DiskResize
)

// Reply is the encoded form of one framed response.
type Reply struct {
	Ok   bool
	Code ErrorCode // valid when !Ok
}

// ReadCommand reads one length-prefixed frame from r and decodes it. A
// decode failure is always *ErrProtocol-wrapped so callers can reply
// Err(EProtocol) instead of failing; Server.Accept does so and its
// listener stays open for the next connection.
func ReadCommand(r io.Reader) (Command, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Command{}, fmt.Errorf("%w: read length prefix: %v", ErrProtocol, err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return Command{}, fmt.Errorf("%w: frame length %d out of range", ErrProtocol, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Command{}, fmt.Errorf("%w: read payload: %v", ErrProtocol, err)
	}

	switch payload[0] {
	case tagShutdown:
		return Command{Kind: Shutdown}, nil
	case tagBalloonAdjust:
		if len(payload) < 9 {
			return Command{}, fmt.Errorf("%w: short BalloonAdjust payload", ErrProtocol)
		}
		return Command{Kind: BalloonAdjust, BalloonPages: binary.LittleEndian.Uint64(payload[1:9])}, nil
	case tagDiskResize:
		if len(payload) < 13 {
			return Command{}, fmt.Errorf("%w: short DiskResize payload", ErrProtocol)
		}
		return Command{
			Kind:      DiskResize,
			DiskIndex: binary.LittleEndian.Uint32(payload[1:5]),
			NewSize:   binary.LittleEndian.Uint64(payload[5:13]),
		}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown tag %d", ErrProtocol, payload[0])
	}
}

// WriteReply encodes and writes reply as one length-prefixed frame.
func WriteReply(w io.Writer, reply Reply) error {
	var payload []byte
	if reply.Ok {
		payload = []byte{tagOk}
	} else {
		payload = make([]byte, 5)
		payload[0] = tagErr
		binary.LittleEndian.PutUint32(payload[1:], uint32(reply.Code))
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("control: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("control: write payload: %w", err)
	}
	return nil
}
