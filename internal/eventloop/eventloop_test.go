package eventloop_test

import (
	"testing"

	"github.com/catramen/govmm/internal/eventloop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWaitReportsReadyPipe(t *testing.T) {
	pc, err := eventloop.New()
	require.NoError(t, err)
	defer pc.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tok := eventloop.Token{Kind: eventloop.TokenVmControl}
	require.NoError(t, pc.Add(fds[0], tok))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err := pc.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Readable)
	require.Equal(t, eventloop.TokenVmControl, events[0].Token.Kind)
}

func TestWaitTimesOutWithNoEvents(t *testing.T) {
	pc, err := eventloop.New()
	require.NoError(t, err)
	defer pc.Close()

	events, err := pc.Wait(50)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestRemoveStopsDelivery(t *testing.T) {
	pc, err := eventloop.New()
	require.NoError(t, err)
	defer pc.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, pc.Add(fds[0], eventloop.Token{Kind: eventloop.TokenStdin}))
	require.NoError(t, pc.Remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err := pc.Wait(50)
	require.NoError(t, err)
	require.Empty(t, events)
}
