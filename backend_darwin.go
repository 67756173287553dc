//go:build darwin

package looping

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kqueueBackend implements Backend on kqueue with a self-pipe wakeup.
//
// kqueue registers read and write interest as separate filters, so Rearm
// computes the per-direction delta against the last armed bitmask. The armed
// map is loop-goroutine-only, matching the Backend contract.
type kqueueBackend struct {
	kq        int
	wakeRead  int
	wakeWrite int
	closed    atomic.Bool
	armed     map[int]IOEvents
	wakeBuf   [8]byte
	events    [backendEventBuf]unix.Kevent_t
}

func newPlatformBackend() (Backend, error) {
	return newKqueueBackend()
}

func newKqueueBackend() (*kqueueBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	wakeRead, wakeWrite, err := newWakeFD()
	if err != nil {
		_ = unix.Close(kq)
		return nil, err
	}

	b := &kqueueBackend{
		kq:        kq,
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
		armed:     make(map[int]IOEvents),
	}

	var change unix.Kevent_t
	unix.SetKevent(&change, wakeRead, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		_ = unix.Close(wakeRead)
		_ = unix.Close(wakeWrite)
		_ = unix.Close(kq)
		return nil, err
	}
	return b, nil
}

func (b *kqueueBackend) Arm(fd int, events IOEvents) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	changes := keventChanges(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
		return err
	}
	b.armed[fd] = events
	return nil
}

func (b *kqueueBackend) Rearm(fd int, events IOEvents) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	prev := b.armed[fd]
	var changes []unix.Kevent_t
	changes = append(changes, keventChanges(fd, prev&^events, unix.EV_DELETE)...)
	changes = append(changes, keventChanges(fd, events&^prev, unix.EV_ADD|unix.EV_ENABLE)...)
	if len(changes) > 0 {
		if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	b.armed[fd] = events
	return nil
}

func (b *kqueueBackend) Disarm(fd int) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	prev := b.armed[fd]
	changes := keventChanges(fd, prev, unix.EV_DELETE)
	delete(b.armed, fd)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Wait(results []IOResult, timeout time.Duration) (int, error) {
	if b.closed.Load() {
		return 0, ErrBackendClosed
	}

	var tsp *unix.Timespec
	if timeout >= 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}

	n, err := unix.Kevent(b.kq, nil, b.events[:], tsp)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for i := 0; i < n; i++ {
		fd := int(b.events[i].Ident)
		if fd == b.wakeRead {
			b.drainWake()
			continue
		}
		if out >= len(results) {
			// Level-triggered: the kernel re-reports anything left behind.
			break
		}
		results[out] = IOResult{FD: fd, Events: keventToEvents(&b.events[i])}
		out++
	}
	return out, nil
}

// drainWake empties the self-pipe so the next Wait can block.
func (b *kqueueBackend) drainWake() {
	for {
		if _, err := unix.Read(b.wakeRead, b.wakeBuf[:]); err != nil {
			break
		}
	}
}

func (b *kqueueBackend) Wakeup() error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	// PERFORMANCE: Native endianness, no binary encoding overhead.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(b.wakeWrite, buf); err != nil {
		if err == unix.EAGAIN {
			// Pipe full; a wakeup is already pending.
			return nil
		}
		return err
	}
	return nil
}

func (b *kqueueBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrBackendClosed
	}
	err := unix.Close(b.kq)
	if cerr := unix.Close(b.wakeRead); err == nil {
		err = cerr
	}
	if cerr := unix.Close(b.wakeWrite); err == nil {
		err = cerr
	}
	return err
}

// keventChanges builds one change entry per direction present in events.
func keventChanges(fd int, events IOEvents, flags int) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, flags)
		changes = append(changes, ev)
	}
	if events&EventWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, flags)
		changes = append(changes, ev)
	}
	return changes
}

// keventToEvents converts a kevent to IOEvents.
func keventToEvents(ev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch ev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if ev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
