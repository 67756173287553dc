package looping

import (
	"errors"
)

// MaxFDLimit is the maximum descriptor value accepted for registration.
const MaxFDLimit = 100000000 // 100M, enough for production with ulimit -n > 1M

// Registration errors. Adding a second handler for a direction that already
// has one fails; removing a direction that has none reports false instead.
var (
	ErrReaderRegistered = errors.New("looping: descriptor already has a reader")
	ErrWriterRegistered = errors.New("looping: descriptor already has a writer")
)

// fdSub is one descriptor's consolidated subscription: at most one read
// handle and one write handle share a single backend registration whose
// interest bitmask is the union of the present directions.
type fdSub struct {
	readH  Handle
	writeH Handle
	events IOEvents
}

// fdTable maps descriptors to subscriptions, indexed directly by fd.
// Loop goroutine only.
type fdTable struct {
	subs  []fdSub
	count int // descriptors with at least one direction present
}

// ensure returns the subscription slot for fd, growing the table as needed.
func (t *fdTable) ensure(fd int) *fdSub {
	if fd >= len(t.subs) {
		// Grow in chunks to minimize allocations
		newSize := fd*2 + 1
		if newSize > MaxFDLimit {
			newSize = MaxFDLimit + 1
		}
		newSubs := make([]fdSub, newSize)
		copy(newSubs, t.subs)
		t.subs = newSubs
	}
	return &t.subs[fd]
}

// get returns the subscription slot for fd, or nil when fd was never grown
// into the table.
func (t *fdTable) get(fd int) *fdSub {
	if fd < 0 || fd >= len(t.subs) {
		return nil
	}
	return &t.subs[fd]
}

// AddReader schedules fn to run whenever fd is readable. At most one reader
// may be registered per descriptor; a second AddReader without an
// intervening RemoveReader fails with ErrReaderRegistered.
//
// The descriptor should be non-blocking (see SetNonblocking); delivery is
// level-triggered, so fn keeps firing until the readable condition is
// consumed. Loop goroutine only while the loop is running.
func (l *Loop) AddReader(fd int, fn func()) (Handle, error) {
	return l.addDirection(fd, kindReader, fn)
}

// AddWriter schedules fn to run whenever fd is writable. The contract
// mirrors AddReader, with ErrWriterRegistered for a duplicate.
func (l *Loop) AddWriter(fd int, fn func()) (Handle, error) {
	return l.addDirection(fd, kindWriter, fn)
}

func (l *Loop) addDirection(fd int, dir handleKind, fn func()) (Handle, error) {
	if err := l.checkRegister(fn); err != nil {
		return Handle{}, err
	}
	if fd < 0 || fd >= MaxFDLimit {
		return Handle{}, &RangeError{Message: "looping: file descriptor out of range"}
	}

	sub := l.fds.ensure(fd)
	var bit IOEvents
	if dir == kindReader {
		if sub.readH.valid() {
			return Handle{}, ErrReaderRegistered
		}
		bit = EventRead
	} else {
		if sub.writeH.valid() {
			return Handle{}, ErrWriterRegistered
		}
		bit = EventWrite
	}

	slot, gen, ok := l.arena.alloc(dir, fn, func() { l.removeDirection(fd, dir) })
	if !ok {
		return Handle{}, ErrTooManyHandles
	}
	h := Handle{loop: l, slot: slot, gen: gen}

	newEvents := sub.events | bit
	var err error
	if sub.events == 0 {
		err = l.backend.Arm(fd, newEvents)
	} else if newEvents != sub.events {
		err = l.backend.Rearm(fd, newEvents)
	}
	if err != nil {
		l.arena.release(slot) // Rollback
		return Handle{}, WrapError("looping: arm descriptor", err)
	}

	if sub.events == 0 {
		l.fds.count++
	}
	sub.events = newEvents
	if dir == kindReader {
		sub.readH = h
	} else {
		sub.writeH = h
	}
	return h, nil
}

// RemoveReader drops the reader registered on fd, if any. Returns false,
// never an error, when no reader was registered.
func (l *Loop) RemoveReader(fd int) bool {
	if !l.checkMutate() {
		return false
	}
	return l.removeDirection(fd, kindReader)
}

// RemoveWriter drops the writer registered on fd, if any. Returns false,
// never an error, when no writer was registered.
func (l *Loop) RemoveWriter(fd int) bool {
	if !l.checkMutate() {
		return false
	}
	return l.removeDirection(fd, kindWriter)
}

// removeDirection is the shared teardown for RemoveReader/RemoveWriter and
// for a handle's cancel hook. The registration is gone when it returns even
// if the backend call fails; only adds roll back.
func (l *Loop) removeDirection(fd int, dir handleKind) bool {
	sub := l.fds.get(fd)
	if sub == nil {
		return false
	}

	var h Handle
	var bit IOEvents
	if dir == kindReader {
		h, bit = sub.readH, EventRead
	} else {
		h, bit = sub.writeH, EventWrite
	}
	if !h.valid() {
		return false
	}

	if dir == kindReader {
		sub.readH = Handle{}
	} else {
		sub.writeH = Handle{}
	}
	sub.events &^= bit
	l.arena.release(h.slot)

	if sub.events == 0 {
		l.fds.count--
		if err := l.backend.Disarm(fd); err != nil && !errors.Is(err, ErrBackendClosed) {
			l.logError("disarm descriptor failed", err)
		}
	} else {
		if err := l.backend.Rearm(fd, sub.events); err != nil && !errors.Is(err, ErrBackendClosed) {
			l.logError("rearm descriptor failed", err)
		}
	}
	return true
}

// dispatchIO funnels one backend Wait's notifications into the ready queue.
// An error or hangup condition is delivered to both directions when both are
// present, so each side observes the failure.
func (l *Loop) dispatchIO(results []IOResult) {
	for i := range results {
		sub := l.fds.get(results[i].FD)
		if sub == nil {
			continue
		}
		ev := results[i].Events
		if ev&(EventError|EventHangup) != 0 {
			if sub.readH.valid() {
				l.ready.push(sub.readH)
			}
			if sub.writeH.valid() {
				l.ready.push(sub.writeH)
			}
			continue
		}
		if ev&EventRead != 0 && sub.readH.valid() {
			l.ready.push(sub.readH)
		}
		if ev&EventWrite != 0 && sub.writeH.valid() {
			l.ready.push(sub.writeH)
		}
	}
}

// dropSubscriptions releases every descriptor registration. Close path; the
// backend teardown reclaims the kernel side wholesale.
func (l *Loop) dropSubscriptions() {
	for fd := range l.fds.subs {
		sub := &l.fds.subs[fd]
		if sub.readH.valid() {
			l.arena.release(sub.readH.slot)
		}
		if sub.writeH.valid() {
			l.arena.release(sub.writeH.slot)
		}
		*sub = fdSub{}
	}
	l.fds.subs = nil
	l.fds.count = 0
}
