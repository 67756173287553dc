// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package looping

import (
	"errors"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Standard errors.
var (
	// ErrLoopClosed is returned when operations are attempted on a closed loop.
	ErrLoopClosed = errors.New("looping: loop is closed")

	// ErrLoopRunning is returned when Run, RunOnce, RunForever, or Close is
	// called while another driver call is in progress, including reentrant
	// calls from inside a callback.
	ErrLoopRunning = errors.New("looping: loop is already running")

	// ErrNotOwner is returned when a registration is attempted from a
	// goroutine other than the one driving the loop. CallSoonThreadsafe is
	// the only registration exempt from this check.
	ErrNotOwner = errors.New("looping: call is restricted to the loop goroutine")

	// ErrTooManyHandles is returned when the handle arena is exhausted.
	ErrTooManyHandles = errors.New("looping: handle capacity exhausted")
)

// keepAliveInterval is the period of RunForever's no-op repeating timer. It
// only has to keep the loop populated; the wait is interrupted by real work
// long before it elapses.
const keepAliveInterval = 24 * time.Hour

// Loop is a single-goroutine callback scheduler multiplexing timers,
// descriptor readiness, and OS signals over one blocking backend wait.
//
// Exactly one callback runs at a time, run to completion. The loop never
// blocks outside the backend wait, and the core holds no locks: the only
// cross-goroutine entry points are CallSoonThreadsafe, Stop, Handle.Cancelled,
// and the backend's wakeup primitive.
//
// All other operations must be called from the goroutine driving the loop
// while a driver call (Run, RunOnce, RunForever) is in progress. Between
// driver calls any single goroutine may configure the loop.
type Loop struct {
	// Prevent copying
	_ [0]func()

	// State machine (cache-line padded internally)
	state *FastState

	// Handle storage; alloc is safe from any goroutine, release is
	// confined to the loop goroutine.
	arena handleArena

	// Ready queue plus the cross-goroutine ingress feeding it.
	ready   readyRing
	ingress *lockFreeIngress

	// Timers
	timers timerHeap

	// Descriptor and signal registries
	fds     fdTable
	signals signalTable

	// Readiness backend; owns the wakeup descriptor.
	backend Backend

	// Wake-up deduplication (see wakeup)
	wakePending atomic.Bool

	// Stop latch, consumed at the top of an iteration.
	stopRequested atomic.Bool

	// Goroutine tracking
	loopGoroutineID atomic.Uint64

	// First fatal callback failure; returned by every subsequent driver
	// call. Loop goroutine only.
	pendingFailure error

	// Backend result buffer (reused across iterations)
	waitBuf []IOResult

	// Cap on per-iteration ingress transfer; 0 means unbounded.
	ingressBatch int

	logger  *Logger
	metrics *Metrics

	// Loop ID
	id uint64
}

var loopIDCounter atomic.Uint64

// New creates a loop with the platform-default backend unless WithBackend
// overrides it. The loop owns the backend either way; Close releases it.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	backend := cfg.backend
	if backend == nil {
		backend, err = NewBackend()
		if err != nil {
			return nil, err
		}
	}

	l := &Loop{
		id:           loopIDCounter.Add(1),
		state:        NewFastState(),
		ingress:      newLockFreeIngress(),
		timers:       make(timerHeap, 0),
		backend:      backend,
		waitBuf:      make([]IOResult, cfg.waitBuffer),
		ingressBatch: cfg.ingressBatch,
		logger:       cfg.logger,
	}
	if cfg.metricsEnabled {
		l.metrics = newMetrics()
	}
	return l, nil
}

// checkRegister validates a registration attempt. Shared by every add
// operation except CallSoonThreadsafe.
func (l *Loop) checkRegister(fn func()) error {
	if fn == nil {
		return &TypeError{Message: "looping: callback must be non-nil"}
	}
	if l.state.Load() == StateClosed {
		return ErrLoopClosed
	}
	if l.state.IsRunning() && !l.isLoopThread() {
		return ErrNotOwner
	}
	return nil
}

// checkMutate validates a removal attempt. Removals report absence as false
// rather than an error, so rejection is also a false: on a closed loop every
// registration is already gone, and a non-owning caller gets a logged
// rejection instead of a data race.
func (l *Loop) checkMutate() bool {
	if l.state.Load() == StateClosed {
		return false
	}
	if l.state.IsRunning() && !l.isLoopThread() {
		l.logError("removal rejected: not called from the loop goroutine", nil)
		return false
	}
	return true
}

// CallSoon schedules fn onto the ready queue. It runs during the next drain
// in FIFO order with everything else scheduled this way; fn scheduled from
// inside a callback runs next iteration, not the current one.
//
// Loop goroutine only while the loop is running. Use CallSoonThreadsafe from
// other goroutines.
func (l *Loop) CallSoon(fn func()) (Handle, error) {
	if err := l.checkRegister(fn); err != nil {
		return Handle{}, err
	}
	return l.pushSoon(fn)
}

func (l *Loop) pushSoon(fn func()) (Handle, error) {
	slot, gen, ok := l.arena.alloc(kindSoon, fn, nil)
	if !ok {
		return Handle{}, ErrTooManyHandles
	}
	h := Handle{loop: l, slot: slot, gen: gen}
	l.ready.push(h)
	return h, nil
}

// CallSoonThreadsafe schedules fn from any goroutine and wakes the loop if it
// is blocked in the backend. fn is guaranteed to run within one iteration of
// this call returning, provided the loop keeps running (see RunForever).
//
// The handle record is fully published before the wakeup is signalled, so the
// loop can never wake to an incomplete submission. A call racing Close may be
// silently dropped.
func (l *Loop) CallSoonThreadsafe(fn func()) (Handle, error) {
	if fn == nil {
		return Handle{}, &TypeError{Message: "looping: callback must be non-nil"}
	}
	if !l.state.CanAcceptWork() {
		return Handle{}, ErrLoopClosed
	}
	slot, gen, ok := l.arena.alloc(kindSoon, fn, nil)
	if !ok {
		return Handle{}, ErrTooManyHandles
	}
	h := Handle{loop: l, slot: slot, gen: gen}
	l.ingress.Push(h)
	l.wakeup()
	return h, nil
}

// wakeup interrupts a blocked backend wait. The pending flag deduplicates:
// of any number of concurrent callers, one writes and the rest piggyback.
// The loop clears the flag after its wait returns, before it transfers the
// ingress queue, so a submission that misses one transfer triggers the next.
func (l *Loop) wakeup() {
	if l.wakePending.CompareAndSwap(false, true) {
		if err := l.backend.Wakeup(); err != nil {
			if !errors.Is(err, ErrBackendClosed) {
				l.logError("wakeup failed", err)
			}
			return
		}
		l.metrics.addWakeup()
	}
}

// Stop requests the loop halt. It takes effect at the top of the next
// iteration, never mid-drain: callbacks already being drained finish first.
// The halted loop is reusable; a later driver call picks up where it left
// off.
//
// Safe to call from any goroutine.
func (l *Loop) Stop() {
	l.stopRequested.Store(true)
	l.wakeup()
}

// Run drives the loop until nothing remains registered: no timers, no
// descriptor interest, no signal interest, and an empty ready queue. Each
// iteration blocks in the backend until the next timer deadline or an
// external wakeup, drains, and repeats.
//
// Run returns nil on natural termination or after Stop, and returns the
// recorded failure if a callback raised a fatal one (see FatalError). It
// must not be called concurrently with any other driver call.
func (l *Loop) Run() error {
	if err := l.beginDriving(); err != nil {
		return err
	}
	if l.pendingFailure != nil {
		err := l.pendingFailure
		l.endDriving(StateStopped)
		return err
	}
	for {
		if l.stopRequested.CompareAndSwap(true, false) {
			l.endDriving(StateStopped)
			return nil
		}
		if !l.hasWork() {
			l.endDriving(StateIdle)
			return nil
		}
		l.runOnce(-1)
		if l.pendingFailure != nil {
			err := l.pendingFailure
			l.endDriving(StateStopped)
			return err
		}
	}
}

// RunOnce performs a single iteration: wait for readiness, then drain. The
// timeout bounds only the blocking wait, never the drain phase; a negative
// timeout waits indefinitely and zero polls. The wait also ends early at the
// next timer deadline, on a wakeup, or immediately when callbacks are
// already queued.
func (l *Loop) RunOnce(timeout time.Duration) error {
	if err := l.beginDriving(); err != nil {
		return err
	}
	if l.pendingFailure != nil {
		err := l.pendingFailure
		l.endDriving(StateStopped)
		return err
	}
	if l.stopRequested.CompareAndSwap(true, false) {
		l.endDriving(StateStopped)
		return nil
	}
	l.runOnce(timeout)
	if l.pendingFailure != nil {
		err := l.pendingFailure
		l.endDriving(StateStopped)
		return err
	}
	l.endDriving(StateIdle)
	return nil
}

// RunForever drives the loop until Stop. A no-op repeating timer keeps the
// loop populated so it never terminates for lack of work; the timer is
// cancelled on the way out regardless of how the loop exits.
func (l *Loop) RunForever() error {
	keepAlive, err := l.CallRepeatedly(keepAliveInterval, func() {})
	if err != nil {
		return err
	}
	defer keepAlive.Cancel()
	return l.Run()
}

// beginDriving claims the loop for the calling goroutine. The OS thread is
// locked for the duration so signal forwarding and descriptor callbacks
// observe a stable thread.
func (l *Loop) beginDriving() error {
	if !l.state.TransitionAny([]LoopState{StateIdle, StateStopped}, StateDraining) {
		if l.state.Load() == StateClosed {
			return ErrLoopClosed
		}
		return ErrLoopRunning
	}
	runtime.LockOSThread()
	gid := getGoroutineID()
	l.loopGoroutineID.Store(gid)
	setCurrentLoop(gid, l)
	return nil
}

// endDriving releases the loop into final, one of StateIdle or StateStopped.
func (l *Loop) endDriving(final LoopState) {
	gid := l.loopGoroutineID.Load()
	l.state.Store(final)
	l.loopGoroutineID.Store(0)
	clearCurrentLoop(gid)
	runtime.UnlockOSThread()
}

// hasWork reports whether anything registered can still produce a callback.
func (l *Loop) hasWork() bool {
	return l.ready.len() > 0 ||
		!l.ingress.Empty() ||
		l.timers.Len() > 0 ||
		l.fds.count > 0 ||
		l.signals.count > 0
}

// runOnce is one iteration. timeout follows the Backend.Wait convention:
// negative blocks indefinitely, zero polls.
//
// Phase order is load-bearing. Expired timers are collected before ingress
// and descriptor notifications are appended, and everything is appended
// before the drain starts. The drain stops at the handle count present when
// it started, so callbacks scheduled by callbacks wait for the next
// iteration.
func (l *Loop) runOnce(timeout time.Duration) {
	// Carryover from between iterations: threadsafe calls and signal
	// deliveries already queued. Must land before the wait computation so
	// pending work shortens the wait to zero.
	l.transferIngress()

	wait := timeout
	if l.ready.len() > 0 {
		wait = 0
	} else if deadline, ok := l.nextDeadline(); ok {
		until := time.Until(deadline)
		if until < 0 {
			until = 0
		}
		if wait < 0 || until < wait {
			wait = until
		}
	}

	l.state.Store(StateBlocking)
	n, err := l.backend.Wait(l.waitBuf, wait)
	l.state.Store(StateDraining)
	if err != nil {
		// A failed wait means no further readiness will ever be reported.
		// Record it like a fatal callback failure so the driver surfaces it.
		l.logCritical("backend wait failed", err)
		if l.pendingFailure == nil {
			l.pendingFailure = &FatalError{Cause: err, Message: "looping: backend wait failed"}
		}
		return
	}

	// Clear the wake flag before transferring, so a producer pushing after
	// the transfer below writes a fresh wakeup for the next iteration.
	l.wakePending.Store(false)

	now := time.Now()

	before := l.ready.len()
	l.collectExpired(now)
	l.metrics.addTimersFired(l.ready.len() - before)

	l.transferIngress()

	before = l.ready.len()
	l.dispatchIO(l.waitBuf[:n])
	l.metrics.addIODispatched(l.ready.len() - before)

	l.drain()
	l.metrics.addIteration(time.Since(now))
}

// transferIngress moves cross-goroutine submissions onto the ready queue,
// preserving submission order. Bounded by WithIngressBatch when set; the
// remainder is picked up next iteration without needing another wakeup.
func (l *Loop) transferIngress() {
	for n := 0; l.ingressBatch == 0 || n < l.ingressBatch; n++ {
		h, ok := l.ingress.Pop()
		if !ok {
			return
		}
		l.ready.push(h)
	}
}

// drain runs ready callbacks front-to-back, up to the count present at
// entry. Cancelled handles are skipped; handles whose record was already
// reclaimed are skipped without touching the arena.
//
// One-shot records (CallSoon, CallLater) are released before their callback
// runs, so a fired handle reads as dead even from inside its own callback.
// Persistent records (repeat, reader, writer, signal) stay live until
// removed.
func (l *Loop) drain() {
	count := l.ready.len()
	for i := 0; i < count; i++ {
		h, ok := l.ready.pop()
		if !ok {
			return
		}
		rec := l.arena.record(h.slot)
		if rec == nil {
			l.metrics.addSkipped()
			continue
		}
		m := rec.meta.Load()
		if uint32(m>>32) != h.gen {
			l.metrics.addSkipped()
			continue
		}
		switch uint32(m) {
		case recLive:
			kind, fn := rec.kind, rec.fn
			if kind == kindSoon || kind == kindTimer {
				l.arena.release(h.slot)
			}
			l.safeExecute(kind, h.slot, fn)
			l.metrics.addCallback()
		case recCancelled:
			// Cancelled in flight; reclaim now.
			l.arena.release(h.slot)
			l.metrics.addSkipped()
		default:
			l.metrics.addSkipped()
		}
	}
}

// safeExecute runs one callback with panic containment. An ordinary panic is
// logged with the callback's identity and swallowed; the rest of the drain
// proceeds. A *FatalError panic is recorded (first one wins) and returned by
// the driver once the drain completes.
func (l *Loop) safeExecute(kind handleKind, slot uint32, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.addPanic()
			if err, ok := r.(error); ok {
				var fatal *FatalError
				if errors.As(err, &fatal) {
					if l.pendingFailure == nil {
						l.pendingFailure = fatal
					}
					l.logCritical("callback requested teardown", fatal)
					return
				}
			}
			l.logPanic(kind, slot, r, debug.Stack())
		}
	}()
	fn()
}

// Close cancels every remaining timer, descriptor subscription, and signal
// subscription, then releases the backend. Outstanding handles read as
// cancelled afterwards. Close is idempotent and must not be called while a
// driver call is in progress.
func (l *Loop) Close() error {
	for {
		current := l.state.Load()
		if current == StateClosed {
			return nil
		}
		if current == StateBlocking || current == StateDraining {
			return ErrLoopRunning
		}
		if l.state.TryTransition(current, StateClosed) {
			break
		}
	}

	// Registry drops release their records first; the queue sweeps below
	// then skip those handles on the generation check.
	l.dropTimers()
	l.dropSubscriptions()
	l.dropSignals()

	for {
		h, ok := l.ready.pop()
		if !ok {
			break
		}
		l.releaseSwept(h)
	}
	for {
		h, ok := l.ingress.Pop()
		if !ok {
			break
		}
		l.releaseSwept(h)
	}

	return l.backend.Close()
}

// releaseSwept reclaims a queued handle during Close, unless its record was
// already released by a registry drop.
func (l *Loop) releaseSwept(h Handle) {
	rec := l.arena.record(h.slot)
	if rec == nil || uint32(rec.meta.Load()>>32) != h.gen {
		return
	}
	l.arena.release(h.slot)
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns a snapshot of the loop's runtime metrics. Zero unless the
// loop was created with WithMetrics(true).
func (l *Loop) Metrics() MetricsSnapshot {
	return l.metrics.Snapshot()
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
