//go:build linux

package looping

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// epollBackend implements Backend on epoll with an eventfd wakeup.
//
// Arm/Rearm/Disarm map directly onto EPOLL_CTL_ADD/MOD/DEL; interest
// bookkeeping lives in the multiplexer above, so the backend carries no
// per-fd state of its own. The eventfd is registered at construction and its
// readiness is consumed inside Wait, never reported.
type epollBackend struct {
	epfd    int
	wakeFD  int
	closed  atomic.Bool
	wakeBuf [8]byte
	events  [backendEventBuf]unix.EpollEvent
}

func newPlatformBackend() (Backend, error) {
	return newEpollBackend()
}

func newEpollBackend() (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFD, _, err := newWakeFD()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	b := &epollBackend{epfd: epfd, wakeFD: wakeFD}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}
	return b, nil
}

func (b *epollBackend) Arm(fd int, events IOEvents) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (b *epollBackend) Rearm(fd int, events IOEvents) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (b *epollBackend) Disarm(fd int) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Wait(results []IOResult, timeout time.Duration) (int, error) {
	if b.closed.Load() {
		return 0, ErrBackendClosed
	}

	n, err := unix.EpollWait(b.epfd, b.events[:], timeoutToMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for i := 0; i < n; i++ {
		fd := int(b.events[i].Fd)
		if fd == b.wakeFD {
			b.drainWake()
			continue
		}
		if out >= len(results) {
			// Level-triggered: the kernel re-reports anything left behind.
			break
		}
		results[out] = IOResult{FD: fd, Events: epollToEvents(b.events[i].Events)}
		out++
	}
	return out, nil
}

// drainWake resets the eventfd counter so the next Wait can block.
func (b *epollBackend) drainWake() {
	for {
		if _, err := unix.Read(b.wakeFD, b.wakeBuf[:]); err != nil {
			break
		}
	}
}

func (b *epollBackend) Wakeup() error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	// PERFORMANCE: Native endianness, no binary encoding overhead.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(b.wakeFD, buf); err != nil {
		if err == unix.EAGAIN {
			// Counter saturated; a wakeup is already pending.
			return nil
		}
		return err
	}
	return nil
}

func (b *epollBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrBackendClosed
	}
	err := unix.Close(b.epfd)
	if cerr := unix.Close(b.wakeFD); err == nil {
		err = cerr
	}
	return err
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
