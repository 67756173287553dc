package looping

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitForRunning spins until the loop is inside a driver call, with a
// 5-second timeout guard.
func waitForRunning(t *testing.T, loop *Loop) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !loop.state.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for loop to start running")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// TestNew_Defaults verifies construction and teardown of an unused loop.
func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if l.State() != StateIdle {
		t.Fatalf("fresh loop state = %v, want %v", l.State(), StateIdle)
	}
	if len(l.waitBuf) != defaultWaitBuffer {
		t.Fatalf("wait buffer = %d, want %d", len(l.waitBuf), defaultWaitBuffer)
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateClosed {
		t.Fatalf("closed loop state = %v, want %v", l.State(), StateClosed)
	}

	// Idempotent.
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// TestNew_OptionValidation verifies option errors surface from New.
func TestNew_OptionValidation(t *testing.T) {
	t.Parallel()

	var rangeErr *RangeError

	_, err := New(WithIngressBatch(-1))
	if !errors.As(err, &rangeErr) {
		t.Fatalf("WithIngressBatch(-1) error = %v, want *RangeError", err)
	}

	_, err = New(WithWaitBuffer(0))
	if !errors.As(err, &rangeErr) {
		t.Fatalf("WithWaitBuffer(0) error = %v, want *RangeError", err)
	}

	// Nil options are skipped.
	l, err := New(nil, WithWaitBuffer(16))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if len(l.waitBuf) != 16 {
		t.Fatalf("wait buffer = %d, want 16", len(l.waitBuf))
	}
}

// TestRun_EmptyLoopReturnsImmediately verifies natural termination with
// nothing registered.
func TestRun_EmptyLoopReturnsImmediately(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on an empty loop")
	}
	if l.State() != StateIdle {
		t.Fatalf("state after natural termination = %v, want %v", l.State(), StateIdle)
	}
}

// TestCallSoon_FIFOWithinIteration verifies ready-queue FIFO for callbacks
// enqueued in the same iteration.
func TestCallSoon_FIFOWithinIteration(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if _, err := l.CallSoon(func() { order = append(order, i) }); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if len(order) != 10 {
		t.Fatalf("ran %d callbacks, want 10", len(order))
	}
}

// TestCallSoon_NilCallback verifies the type check.
func TestCallSoon_NilCallback(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var typeErr *TypeError
	if _, err := l.CallSoon(nil); !errors.As(err, &typeErr) {
		t.Fatalf("CallSoon(nil) error = %v, want *TypeError", err)
	}
	if _, err := l.CallSoonThreadsafe(nil); !errors.As(err, &typeErr) {
		t.Fatalf("CallSoonThreadsafe(nil) error = %v, want *TypeError", err)
	}
}

// TestDrain_SnapshotDefersNestedCallbacks verifies callbacks scheduled by
// callbacks wait for the next iteration.
func TestDrain_SnapshotDefersNestedCallbacks(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ran := make(map[string]int)
	iteration := 0
	if _, err := l.CallSoon(func() {
		ran["outer"] = iteration
		if _, err := l.CallSoon(func() { ran["nested"] = iteration }); err != nil {
			t.Error(err)
		}
	}); err != nil {
		t.Fatal(err)
	}

	iteration = 1
	if err := l.RunOnce(0); err != nil {
		t.Fatal(err)
	}
	iteration = 2
	if err := l.RunOnce(0); err != nil {
		t.Fatal(err)
	}

	if ran["outer"] != 1 {
		t.Fatalf("outer ran in iteration %d, want 1", ran["outer"])
	}
	if ran["nested"] != 2 {
		t.Fatalf("nested ran in iteration %d, want 2", ran["nested"])
	}
}

// TestStop_TakesEffectAtIterationTop verifies a stop requested during a
// drain lets the drain finish, then halts before the next iteration drains
// anything.
func TestStop_TakesEffectAtIterationTop(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var ran []string
	if _, err := l.CallSoon(func() {
		ran = append(ran, "first")
		l.Stop()
		// Same iteration, after the snapshot: deferred, then cut off by
		// the stop before it can run.
		if _, err := l.CallSoon(func() { ran = append(ran, "deferred") }); err != nil {
			t.Error(err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CallSoon(func() { ran = append(ran, "second") }); err != nil {
		t.Fatal(err)
	}

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}

	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Fatalf("ran = %v, want [first second]", ran)
	}
	if l.State() != StateStopped {
		t.Fatalf("state after stop = %v, want %v", l.State(), StateStopped)
	}

	// The stopped loop is reusable; the deferred callback survives.
	if err := l.Run(); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 3 || ran[2] != "deferred" {
		t.Fatalf("ran after restart = %v, want deferred last", ran)
	}
}

// TestStop_BeforeRun verifies a pending stop is consumed by the next driver
// call before any callback runs.
func TestStop_BeforeRun(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := l.CallSoon(func() { t.Error("callback ran despite pending stop") }); err != nil {
		t.Fatal(err)
	}
	l.Stop()

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateStopped {
		t.Fatalf("state = %v, want %v", l.State(), StateStopped)
	}
}

// TestRunForever_StopFromOtherGoroutine verifies the keep-alive holds the
// loop open and Stop ends it.
func TestRunForever_StopFromOtherGoroutine(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- l.RunForever() }()
	waitForRunning(t, l)

	// No user work registered, yet the loop must not terminate naturally.
	select {
	case err := <-done:
		t.Fatalf("RunForever returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	l.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not return after Stop")
	}

	// The keep-alive is cancelled on the way out: nothing left registered.
	if l.timers.Len() != 0 {
		t.Fatalf("timers left after RunForever: %d", l.timers.Len())
	}
}

// TestCallSoonThreadsafe_WakesBlockedLoop verifies a cross-goroutine
// submission interrupts an indefinite backend wait promptly.
func TestCallSoonThreadsafe_WakesBlockedLoop(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- l.RunForever() }()
	waitForRunning(t, l)

	executed := make(chan struct{})
	if _, err := l.CallSoonThreadsafe(func() { close(executed) }); err != nil {
		t.Fatal(err)
	}

	select {
	case <-executed:
	case <-time.After(5 * time.Second):
		t.Fatal("threadsafe callback did not run; lost wakeup")
	}

	l.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// TestRegistration_RejectedOffLoopWhileRunning verifies the ownership check
// on non-threadsafe registrations.
func TestRegistration_RejectedOffLoopWhileRunning(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- l.RunForever() }()
	waitForRunning(t, l)

	if _, err := l.CallSoon(func() {}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("CallSoon off-thread error = %v, want ErrNotOwner", err)
	}
	if _, err := l.CallLater(time.Second, func() {}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("CallLater off-thread error = %v, want ErrNotOwner", err)
	}

	// From inside a callback the same registrations are allowed.
	result := make(chan error, 1)
	if _, err := l.CallSoonThreadsafe(func() {
		_, err := l.CallSoon(func() {})
		result <- err
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("CallSoon from callback: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}

	l.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// TestRun_ReentrantRejected verifies driving the loop from inside a callback
// fails cleanly.
func TestRun_ReentrantRejected(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var reentrant error
	if _, err := l.CallSoon(func() { reentrant = l.Run() }); err != nil {
		t.Fatal(err)
	}

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(reentrant, ErrLoopRunning) {
		t.Fatalf("reentrant Run error = %v, want ErrLoopRunning", reentrant)
	}
}

// TestRun_ConcurrentDriverRejected verifies the second concurrent driver
// call fails with ErrLoopRunning.
func TestRun_ConcurrentDriverRejected(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- l.RunForever() }()
	waitForRunning(t, l)

	if err := l.Run(); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("concurrent Run error = %v, want ErrLoopRunning", err)
	}
	if err := l.RunOnce(0); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("concurrent RunOnce error = %v, want ErrLoopRunning", err)
	}

	l.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// TestRunOnce_TimeoutBoundsWaitOnly verifies the timeout caps the blocking
// wait and never truncates the drain.
func TestRunOnce_TimeoutBoundsWaitOnly(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	// Nothing registered: RunOnce blocks for the full timeout.
	start := time.Now()
	if err := l.RunOnce(30 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("RunOnce returned after %v, want ~30ms wait", elapsed)
	}

	// Ready work: the wait collapses to an immediate poll.
	if _, err := l.CallSoon(func() { time.Sleep(20 * time.Millisecond) }); err != nil {
		t.Fatal(err)
	}
	start = time.Now()
	if err := l.RunOnce(time.Hour); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("RunOnce blocked %v despite ready work", elapsed)
	}
}

// TestPanicContainment verifies an ordinary callback panic is logged and
// swallowed while the rest of the drain proceeds.
func TestPanicContainment(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ran := false
	if _, err := l.CallSoon(func() { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CallSoon(func() { ran = true }); err != nil {
		t.Fatal(err)
	}

	if err := l.Run(); err != nil {
		t.Fatalf("Run returned %v after a contained panic", err)
	}
	if !ran {
		t.Fatal("callback after the panicking one did not run")
	}
}

// TestFatalFailure_HaltsAndSticks verifies the severe failure contract: the
// drain finishes its snapshot, the driver returns the failure, and every
// subsequent driver call returns it again.
func TestFatalFailure_HaltsAndSticks(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	fatal := &FatalError{Message: "looping: unrecoverable"}
	after := false
	if _, err := l.CallSoon(func() { panic(fatal) }); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CallSoon(func() { after = true }); err != nil {
		t.Fatal(err)
	}

	err = l.Run()
	if !errors.Is(err, fatal) {
		t.Fatalf("Run error = %v, want the fatal failure", err)
	}
	if !after {
		t.Fatal("drain aborted mid-iteration; snapshot must finish")
	}
	if l.State() != StateStopped {
		t.Fatalf("state = %v, want %v", l.State(), StateStopped)
	}

	// First failure wins and sticks across driver calls.
	if err := l.Run(); !errors.Is(err, fatal) {
		t.Fatalf("second Run error = %v, want the same failure", err)
	}
	if err := l.RunOnce(0); !errors.Is(err, fatal) {
		t.Fatalf("RunOnce error = %v, want the same failure", err)
	}
	if err := l.RunForever(); !errors.Is(err, fatal) {
		t.Fatalf("RunForever error = %v, want the same failure", err)
	}
}

// TestFatalFailure_FirstWins verifies only the first fatal failure in a
// drain is recorded.
func TestFatalFailure_FirstWins(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	first := &FatalError{Message: "first"}
	second := &FatalError{Message: "second"}
	if _, err := l.CallSoon(func() { panic(first) }); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CallSoon(func() { panic(second) }); err != nil {
		t.Fatal(err)
	}

	if err := l.Run(); !errors.Is(err, first) {
		t.Fatalf("Run error = %v, want the first failure", err)
	}
}

// TestClose_RejectedWhileRunning verifies Close from inside a callback fails
// with ErrLoopRunning.
func TestClose_RejectedWhileRunning(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var closeErr error
	if _, err := l.CallSoon(func() { closeErr = l.Close() }); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(closeErr, ErrLoopRunning) {
		t.Fatalf("Close during drain error = %v, want ErrLoopRunning", closeErr)
	}
}

// TestClose_CancelsEverything verifies Close releases all registrations and
// later registrations are refused.
func TestClose_CancelsEverything(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}

	hTimer, err := l.CallLater(time.Hour, func() {})
	if err != nil {
		t.Fatal(err)
	}
	hSoon, err := l.CallSoon(func() {})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if !hTimer.Cancelled() {
		t.Fatal("timer handle survives Close")
	}
	if !hSoon.Cancelled() {
		t.Fatal("ready handle survives Close")
	}

	if _, err := l.CallSoon(func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("CallSoon after Close error = %v, want ErrLoopClosed", err)
	}
	if _, err := l.CallSoonThreadsafe(func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("CallSoonThreadsafe after Close error = %v, want ErrLoopClosed", err)
	}
	if err := l.Run(); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("Run after Close error = %v, want ErrLoopClosed", err)
	}
}

// TestCancel_RejectedOffLoopWhileRunning verifies cross-goroutine Cancel on
// a running loop is refused and the callback still fires.
func TestCancel_RejectedOffLoopWhileRunning(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	fired := make(chan struct{})
	h, err := l.CallLater(200*time.Millisecond, func() { close(fired) })
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.RunForever() }()
	waitForRunning(t, l)

	h.Cancel() // off-thread: rejected, logged

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer suppressed by a rejected cross-goroutine Cancel")
	}

	l.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// TestHighContention verifies that under heavy producer load every
// threadsafe submission eventually executes, with no lost wake-ups.
func TestHighContention(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- l.RunForever() }()
	waitForRunning(t, l)

	const producers = 50
	const perProducer = 400
	var executed atomic.Int64

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := l.CallSoonThreadsafe(func() {
					executed.Add(1)
				}); err != nil {
					t.Error(err)
					return
				}
				if i%100 == 0 {
					time.Sleep(time.Microsecond)
				}
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	expected := int64(producers * perProducer)
	for time.Now().Before(deadline) {
		if executed.Load() == expected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := executed.Load(); got != expected {
		t.Fatalf("WAKEUP LOSS: only %d/%d callbacks executed", got, expected)
	}

	l.Stop()
	if err := <-runDone; err != nil {
		t.Fatal(err)
	}
}

// TestMetrics_Counters verifies the opt-in metrics pipeline end to end.
func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	l, err := New(WithMetrics(true))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		if _, err := l.CallSoon(func() {}); err != nil {
			t.Fatal(err)
		}
	}
	h, err := l.CallSoon(func() { t.Error("cancelled callback ran") })
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()
	if _, err := l.CallLater(time.Millisecond, func() {}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CallSoon(func() { panic("counted") }); err != nil {
		t.Fatal(err)
	}

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}

	m := l.Metrics()
	if m.Iterations == 0 {
		t.Fatal("no iterations recorded")
	}
	if m.CallbacksRun != 7 {
		t.Fatalf("CallbacksRun = %d, want 7", m.CallbacksRun)
	}
	if m.CallbacksSkipped != 1 {
		t.Fatalf("CallbacksSkipped = %d, want 1", m.CallbacksSkipped)
	}
	if m.CallbackPanics != 1 {
		t.Fatalf("CallbackPanics = %d, want 1", m.CallbackPanics)
	}
	if m.TimersFired != 1 {
		t.Fatalf("TimersFired = %d, want 1", m.TimersFired)
	}
}

// TestMetrics_DisabledIsZero verifies Metrics without WithMetrics stays
// cheap and empty.
func TestMetrics_DisabledIsZero(t *testing.T) {
	t.Parallel()

	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := l.CallSoon(func() {}); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(); err != nil {
		t.Fatal(err)
	}

	if m := l.Metrics(); m != (MetricsSnapshot{}) {
		t.Fatalf("metrics recorded without WithMetrics: %+v", m)
	}
}
