// Package eventloop implements the level-triggered readiness multiplexer
// the main I/O thread uses to wait on vCPU exit pipes, stdin, the control
// socket, device interrupts, and device timers without a thread per
// source. It wraps Linux epoll through golang.org/x/sys/unix, the same
// syscall package the rest of this module uses for every other host
// facility, rather than a higher-level poller library — nothing in the
// retrieval pack reaches for one, and epoll's contract here is already a
// handful of direct syscalls.
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TokenKind is the closed set of event origins the VM Supervisor cares
// about; the set is fixed at VM-start time per the spec's data model.
type TokenKind int

const (
	TokenExit TokenKind = iota
	TokenStdin
	TokenChildSignal
	TokenVmControl
	TokenDeviceInterrupt
	TokenTimer
)

// Token is a small plain value round-tripped through the kernel unchanged
// (epoll_event.data), identifying which source became ready.
type Token struct {
	Kind     TokenKind
	DeviceID uint32
	QueueID  uint32
}

// Event is one readiness notification returned from Wait.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	HangUp   bool
}

// PollContext is a single-threaded epoll wrapper: only the main I/O
// thread may call Wait, Add, Modify, or Remove.
type PollContext struct {
	epfd int
	// tokens mirrors what's registered with the kernel so Wait can decode
	// epoll_event.data back into a Token without an unsafe cast at every
	// call site.
	tokens map[int]Token
}

// New creates an empty poll context.
func New() (*PollContext, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &PollContext{epfd: fd, tokens: make(map[int]Token)}, nil
}

func eventsFor(token Token, writable bool) uint32 {
	ev := uint32(unix.EPOLLIN)
	if writable {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd for readiness, tagging future events from it with token.
func (p *PollContext) Add(fd int, token Token) error {
	ev := unix.EpollEvent{Events: eventsFor(token, false), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	p.tokens[fd] = token
	return nil
}

// Modify changes the interest set for an already-registered fd.
func (p *PollContext) Modify(fd int, token Token, writable bool) error {
	ev := unix.EpollEvent{Events: eventsFor(token, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(MOD, %d): %w", fd, err)
	}
	p.tokens[fd] = token
	return nil
}

// Remove deregisters fd.
func (p *PollContext) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(DEL, %d): %w", fd, err)
	}
	delete(p.tokens, fd)
	return nil
}

// Wait blocks until at least one registered fd is ready, timeoutMillis
// elapses (negative means block indefinitely), or a spurious wake occurs.
// It may return zero events on timeout; callers must not treat that as an
// error.
func (p *PollContext) Wait(timeoutMillis int) ([]Event, error) {
	raw := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		tok, ok := p.tokens[fd]
		if !ok {
			continue
		}
		out = append(out, Event{
			Token:    tok,
			Readable: raw[i].Events&unix.EPOLLIN != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
			HangUp:   raw[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return out, nil
}

// Close releases the underlying epoll fd.
func (p *PollContext) Close() error {
	return unix.Close(p.epfd)
}
