//go:build linux || darwin

package looping

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollBackend implements Backend on poll(2). It is the portable variant: the
// armed set is rebuilt into a pollfd array on every Wait, so it scales worse
// than epoll or kqueue for large descriptor counts, but it behaves
// identically at the Backend boundary and works anywhere poll does.
type pollBackend struct {
	wakeRead  int
	wakeWrite int
	closed    atomic.Bool
	armed     map[int]IOEvents
	fds       []unix.PollFd // scratch, rebuilt per Wait
	wakeBuf   [8]byte
}

// NewPollBackend returns the portable poll(2) backend. Most callers want
// NewBackend instead; this variant exists for diagnostics and for platforms
// where the default is unavailable.
func NewPollBackend() (Backend, error) {
	wakeRead, wakeWrite, err := newWakeFD()
	if err != nil {
		return nil, err
	}
	return &pollBackend{
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
		armed:     make(map[int]IOEvents),
		fds:       make([]unix.PollFd, 0, 16),
	}, nil
}

func (b *pollBackend) Arm(fd int, events IOEvents) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	b.armed[fd] = events
	return nil
}

func (b *pollBackend) Rearm(fd int, events IOEvents) error {
	return b.Arm(fd, events)
}

func (b *pollBackend) Disarm(fd int) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	delete(b.armed, fd)
	return nil
}

func (b *pollBackend) Wait(results []IOResult, timeout time.Duration) (int, error) {
	if b.closed.Load() {
		return 0, ErrBackendClosed
	}

	b.fds = b.fds[:0]
	b.fds = append(b.fds, unix.PollFd{Fd: int32(b.wakeRead), Events: unix.POLLIN})
	for fd, events := range b.armed {
		b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: eventsToPoll(events)})
	}

	n, err := unix.Poll(b.fds, timeoutToMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	out := 0
	for i := range b.fds {
		revents := b.fds[i].Revents
		if revents == 0 {
			continue
		}
		fd := int(b.fds[i].Fd)
		if fd == b.wakeRead {
			b.drainWake()
			continue
		}
		if out >= len(results) {
			// Level-triggered: anything left behind is re-reported next Wait.
			break
		}
		results[out] = IOResult{FD: fd, Events: pollToEvents(revents)}
		out++
	}
	return out, nil
}

// drainWake empties the wake descriptor so the next Wait can block.
func (b *pollBackend) drainWake() {
	for {
		if _, err := unix.Read(b.wakeRead, b.wakeBuf[:]); err != nil {
			break
		}
	}
}

func (b *pollBackend) Wakeup() error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	// PERFORMANCE: Native endianness, no binary encoding overhead.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(b.wakeWrite, buf); err != nil {
		if err == unix.EAGAIN {
			// A wakeup is already pending.
			return nil
		}
		return err
	}
	return nil
}

func (b *pollBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrBackendClosed
	}
	err := unix.Close(b.wakeRead)
	if b.wakeWrite != b.wakeRead {
		if cerr := unix.Close(b.wakeWrite); err == nil {
			err = cerr
		}
	}
	return err
}

// eventsToPoll converts IOEvents to poll event flags.
func eventsToPoll(events IOEvents) int16 {
	var pollEvents int16
	if events&EventRead != 0 {
		pollEvents |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		pollEvents |= unix.POLLOUT
	}
	return pollEvents
}

// pollToEvents converts poll revents to IOEvents.
func pollToEvents(revents int16) IOEvents {
	var events IOEvents
	if revents&unix.POLLIN != 0 {
		events |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if revents&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
