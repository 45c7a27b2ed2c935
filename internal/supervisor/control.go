package supervisor

import (
	"fmt"

	"github.com/catramen/govmm/internal/control"
	"github.com/catramen/govmm/internal/eventloop"
)

// ENotImplemented is returned for BalloonAdjust/DiskResize: this core's
// Device Manager only builds block devices, so neither command has a
// device to act on yet.
const ENotImplemented control.ErrorCode = 2

// AttachControlSocket starts listening on path and registers the listener
// fd with the main I/O thread's event loop under TokenVmControl, per the
// Control Socket Codec component. Call before Run.
func (s *Supervisor) AttachControlSocket(path string) error {
	srv, err := control.Listen(path, s)
	if err != nil {
		return fmt.Errorf("supervisor: control socket: %w", err)
	}
	fd, err := srv.Fd()
	if err != nil {
		srv.Close()
		return fmt.Errorf("supervisor: control socket fd: %w", err)
	}
	if err := s.pc.Add(fd, eventloop.Token{Kind: eventloop.TokenVmControl}); err != nil {
		srv.Close()
		return fmt.Errorf("supervisor: register control socket: %w", err)
	}
	s.ctrl = srv
	return nil
}

// HandleShutdown implements control.Handler: it requests an orderly
// shutdown and replies Ok, matching scenario S6.
func (s *Supervisor) HandleShutdown() control.Reply {
	s.log.Info("shutdown requested over control socket")
	s.RequestShutdown()
	return control.Reply{Ok: true}
}

// HandleBalloonAdjust implements control.Handler. No balloon device exists
// in this core (balloon is a non-block virtio device, out of scope per
// §1), so every request is rejected with ENotImplemented rather than
// silently accepted.
func (s *Supervisor) HandleBalloonAdjust(pages uint64) control.Reply {
	return control.Reply{Ok: false, Code: ENotImplemented}
}

// HandleDiskResize implements control.Handler. Online disk resize is not
// wired to any block device lifecycle in this core.
func (s *Supervisor) HandleDiskResize(diskIndex uint32, newSize uint64) control.Reply {
	return control.Reply{Ok: false, Code: ENotImplemented}
}
