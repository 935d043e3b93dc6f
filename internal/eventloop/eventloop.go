// Package eventloop implements the single-threaded readiness multiplexor
// every child process (enclave, proxy, each IFN)
// dispatches on: one epoll(7) instance registering every fd the process
// owns, level-triggered, with dispatch strictly sequential on the
// calling goroutine — no internal goroutine fan-out.
//
// This uses one epoll instance per process rather than splitting reads
// and writes across separate instances: the daemon's fds (control
// sockets, UDP sockets, a tun device) are read-driven, and writes
// happen synchronously inline with a read-triggered dispatch rather
// than needing their own readiness wait.
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handler is invoked when its registered fd becomes readable. revents
// carries the raw epoll event mask, mainly so a handler can distinguish
// EPOLLHUP/EPOLLERR from ordinary readability.
type Handler func(revents uint32)

// Loop is one process's epoll instance and fd→Handler registry.
type Loop struct {
	epfd     int
	handlers map[int32]Handler
}

// New creates a new epoll instance.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{epfd: fd, handlers: make(map[int32]Handler)}, nil
}

// Register adds fd to the loop, watched for EPOLLIN|EPOLLERR|EPOLLHUP,
// level-triggered (no EPOLLET: every turn re-reports a still-readable
// fd, which is what a cooperative loop with no per-fd goroutine wants).
func (l *Loop) Register(fd int, h Handler) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	l.handlers[int32(fd)] = h
	return nil
}

// Deregister removes fd, e.g. when a proxy flow socket is replaced.
func (l *Loop) Deregister(fd int) error {
	delete(l.handlers, int32(fd))
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// maxEvents bounds one epoll_wait batch; processes here own at most a
// handful of fds (control sockets, listeners, one tun), so this is
// generous headroom, not a tuning knob.
const maxEvents = 64

// RunOnce blocks up to timeoutMs (-1 for indefinitely) and dispatches
// every ready fd's Handler strictly in sequence, on the calling
// goroutine, before returning. Returns the number of fds dispatched.
func (l *Loop) RunOnce(timeoutMs int) (int, error) {
	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		if h, ok := l.handlers[events[i].Fd]; ok {
			h(events[i].Events)
		}
	}
	return n, nil
}

// Close releases the epoll instance.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
