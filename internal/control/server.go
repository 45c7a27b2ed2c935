package control

import (
	"errors"
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/catramen/govmm/internal/logging"
)

// Handler is implemented by the VM Supervisor to carry out a decoded
// command and produce its reply.
type Handler interface {
	HandleShutdown() Reply
	HandleBalloonAdjust(pages uint64) Reply
	HandleDiskResize(diskIndex uint32, newSize uint64) Reply
}

// Server listens on a Unix domain socket and serves one connection at a
// time, matching the "a VMM has one operator" design note.
type Server struct {
	ln      net.Listener
	handler Handler
	log     *log.Entry
}

// Listen creates the control socket at path, removing any stale socket
// file left behind by a previous unclean shutdown.
func Listen(path string, handler Handler) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("control: remove stale socket %q: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen %q: %w", path, err)
	}
	return &Server{ln: ln, handler: handler, log: logging.For("control")}, nil
}

// Addr exposes the listener's address, mainly for tests using path "".
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Fd returns the listener's file descriptor for registration with the
// main I/O thread's event loop under TokenVmControl.
func (s *Server) Fd() (int, error) {
	tl, ok := s.ln.(*net.UnixListener)
	if !ok {
		return -1, fmt.Errorf("control: listener is not a *net.UnixListener")
	}
	f, err := tl.File()
	if err != nil {
		return -1, fmt.Errorf("control: listener fd: %w", err)
	}
	return int(f.Fd()), nil
}

// Accept blocks for one connection, serves exactly one framed
// request/reply round trip on it, then closes it. Call in a loop from the
// main I/O thread when the registered listener fd becomes readable.
func (s *Server) Accept() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return fmt.Errorf("control: accept: %w", err)
	}
	defer conn.Close()

	cmd, err := ReadCommand(conn)
	if err != nil {
		s.log.WithError(err).Warn("control socket protocol error")
		return WriteReply(conn, Reply{Ok: false, Code: EProtocol})
	}

	var reply Reply
	switch cmd.Kind {
	case Shutdown:
		reply = s.handler.HandleShutdown()
	case BalloonAdjust:
		reply = s.handler.HandleBalloonAdjust(cmd.BalloonPages)
	case DiskResize:
		reply = s.handler.HandleDiskResize(cmd.DiskIndex, cmd.NewSize)
	}
	return WriteReply(conn, reply)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}
