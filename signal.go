package looping

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// maxSignalNumber bounds the accepted signal range. The check is platform
// independent; 64 covers the POSIX real-time range.
const maxSignalNumber = 64

// ErrSignalRegistered is returned when a signal already has a handler.
var ErrSignalRegistered = errors.New("looping: signal already has a handler")

// signalTable maps signal numbers to packed handles. Slots are atomic
// because the forwarder goroutine reads them while the loop goroutine
// installs and removes registrations.
type signalTable struct {
	sigs    [maxSignalNumber + 1]atomic.Uint64
	ch      chan os.Signal
	done    chan struct{}
	started bool
	count   int
}

// AddSignalHandler schedules fn to run on the loop whenever sig is
// delivered to the process. At most one handler per signal; delivery is
// funneled through the ready queue like every other callback, so fn runs on
// the loop goroutine, not in signal context.
//
// Validation order: sig must carry a numeric signal (else *TypeError), must
// be within 1..64 (else *RangeError), and must be interceptable (SIGKILL and
// SIGSTOP fail with *CapabilityError).
func (l *Loop) AddSignalHandler(sig os.Signal, fn func()) (Handle, error) {
	if err := l.checkRegister(fn); err != nil {
		return Handle{}, err
	}
	sn, ok := sig.(syscall.Signal)
	if !ok {
		return Handle{}, &TypeError{Message: "looping: signal must be a numeric signal"}
	}
	if sn <= 0 || int(sn) > maxSignalNumber {
		return Handle{}, &RangeError{Message: "looping: signal number out of range"}
	}
	if sn == syscall.SIGKILL || sn == syscall.SIGSTOP {
		return Handle{}, &CapabilityError{Message: "looping: signal cannot be caught"}
	}
	if l.signals.sigs[sn].Load() != 0 {
		return Handle{}, ErrSignalRegistered
	}

	slot, gen, ok := l.arena.alloc(kindSignal, fn, func() { l.removeSignal(int(sn)) })
	if !ok {
		return Handle{}, ErrTooManyHandles
	}
	h := Handle{loop: l, slot: slot, gen: gen}

	l.startForwarder()
	l.signals.sigs[sn].Store(h.pack())
	l.signals.count++
	signal.Notify(l.signals.ch, sn)
	return h, nil
}

// RemoveSignalHandler drops the handler registered for sig, if any, and
// restores the prior signal disposition. Returns false, never an error, when
// nothing was installed; uncatchable and out-of-range signals land here too.
func (l *Loop) RemoveSignalHandler(sig os.Signal) bool {
	if !l.checkMutate() {
		return false
	}
	sn, ok := sig.(syscall.Signal)
	if !ok || sn <= 0 || int(sn) > maxSignalNumber {
		return false
	}
	return l.removeSignal(int(sn))
}

// removeSignal is the shared teardown for RemoveSignalHandler and for a
// signal handle's cancel hook.
func (l *Loop) removeSignal(sn int) bool {
	packed := l.signals.sigs[sn].Swap(0)
	if packed == 0 {
		return false
	}
	signal.Reset(syscall.Signal(sn))
	h := unpackHandle(l, packed)
	l.arena.release(h.slot)
	l.signals.count--
	return true
}

// startForwarder lazily starts the goroutine that moves process signal
// notifications onto the ingress queue. A delivery for a signal whose
// handler was removed in the interim resolves to a stale generation and is
// dropped at drain time.
func (l *Loop) startForwarder() {
	if l.signals.started {
		return
	}
	l.signals.started = true
	l.signals.ch = make(chan os.Signal, maxSignalNumber)
	l.signals.done = make(chan struct{})

	ch, done := l.signals.ch, l.signals.done
	go func() {
		for {
			select {
			case sig := <-ch:
				sn, ok := sig.(syscall.Signal)
				if !ok || sn <= 0 || int(sn) > maxSignalNumber {
					continue
				}
				packed := l.signals.sigs[sn].Load()
				if packed == 0 {
					continue
				}
				l.ingress.Push(unpackHandle(l, packed))
				l.wakeup()
			case <-done:
				return
			}
		}
	}()
}

// dropSignals releases every signal registration and stops the forwarder.
// Close path.
func (l *Loop) dropSignals() {
	for sn := 1; sn <= maxSignalNumber; sn++ {
		packed := l.signals.sigs[sn].Swap(0)
		if packed == 0 {
			continue
		}
		signal.Reset(syscall.Signal(sn))
		l.arena.release(unpackHandle(l, packed).slot)
		l.signals.count--
	}
	if l.signals.started {
		signal.Stop(l.signals.ch)
		close(l.signals.done)
		l.signals.started = false
	}
}
