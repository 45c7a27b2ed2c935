package control_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/catramen/govmm/internal/control"
	"github.com/stretchr/testify/require"
)

func frame(payload []byte) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestReadCommandShutdown(t *testing.T) {
	r := bytes.NewReader(frame([]byte{1}))
	cmd, err := control.ReadCommand(r)
	require.NoError(t, err)
	require.Equal(t, control.Shutdown, cmd.Kind)
}

func TestReadCommandBalloonAdjust(t *testing.T) {
	payload := make([]byte, 9)
	payload[0] = 2
	binary.LittleEndian.PutUint64(payload[1:], 4096)
	cmd, err := control.ReadCommand(bytes.NewReader(frame(payload)))
	require.NoError(t, err)
	require.Equal(t, control.BalloonAdjust, cmd.Kind)
	require.Equal(t, uint64(4096), cmd.BalloonPages)
}

func TestReadCommandDiskResize(t *testing.T) {
	payload := make([]byte, 13)
	payload[0] = 3
	binary.LittleEndian.PutUint32(payload[1:5], 2)
	binary.LittleEndian.PutUint64(payload[5:13], 1<<30)
	cmd, err := control.ReadCommand(bytes.NewReader(frame(payload)))
	require.NoError(t, err)
	require.Equal(t, control.DiskResize, cmd.Kind)
	require.Equal(t, uint32(2), cmd.DiskIndex)
	require.Equal(t, uint64(1<<30), cmd.NewSize)
}

func TestReadCommandUnknownTagIsProtocolError(t *testing.T) {
	_, err := control.ReadCommand(bytes.NewReader(frame([]byte{99})))
	require.True(t, errors.Is(err, control.ErrProtocol))
}

func TestReadCommandShortFrameIsProtocolError(t *testing.T) {
	payload := []byte{2, 1, 2, 3} // BalloonAdjust needs 9 bytes
	_, err := control.ReadCommand(bytes.NewReader(frame(payload)))
	require.True(t, errors.Is(err, control.ErrProtocol))
}

func TestWriteReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, control.WriteReply(&buf, control.Reply{Ok: true}))

	var lenBuf [4]byte
	_, err := buf.Read(lenBuf[:])
	require.NoError(t, err)
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(lenBuf[:]))
	tag := make([]byte, 1)
	_, err = buf.Read(tag)
	require.NoError(t, err)
	require.Equal(t, byte(0), tag[0])
}

type recordingHandler struct {
	shutdownCalled bool
}

func (h *recordingHandler) HandleShutdown() control.Reply {
	h.shutdownCalled = true
	return control.Reply{Ok: true}
}
func (h *recordingHandler) HandleBalloonAdjust(pages uint64) control.Reply {
	return control.Reply{Ok: true}
}
func (h *recordingHandler) HandleDiskResize(diskIndex uint32, newSize uint64) control.Reply {
	return control.Reply{Ok: true}
}

// TestServerServesOneShutdownRoundTrip mirrors S6: a Shutdown command sent
// over the control socket reaches the handler and yields an Ok reply.
func TestServerServesOneShutdownRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	handler := &recordingHandler{}
	srv, err := control.Listen(sockPath, handler)
	require.NoError(t, err)
	defer srv.Close()

	done := make(chan error, 1)
	go func() { done <- srv.Accept() }()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(frame([]byte{1}))
	require.NoError(t, err)

	reply := make([]byte, 5)
	n, err := conn.Read(reply)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 5)
	require.NoError(t, <-done)
	require.True(t, handler.shutdownCalled)
}
