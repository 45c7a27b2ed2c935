package virtio

import "golang.org/x/sys/unix"

// newEventFD creates a nonblocking, close-on-exec eventfd, the host
// primitive used both for the ioeventfd queue-notify shortcut and for
// the worker kill-switch a device's Activate implementation arms.
func newEventFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// writeEventFD signals fd exactly once.
func writeEventFD(fd int) {
	buf := make([]byte, 8)
	buf[0] = 1
	_, _ = unix.Write(fd, buf)
}

// drainEventFD clears fd's pending count after a readiness notification.
func drainEventFD(fd int) {
	buf := make([]byte, 8)
	_, _ = unix.Read(fd, buf)
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
