package looping

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics aggregates runtime counters and iteration latency estimates for a
// Loop. Enable collection with WithMetrics(true) and read via Loop.Metrics().
//
// Counters are atomic, so Snapshot is safe from any goroutine while the loop
// runs. Iteration latency uses the P-Square streaming estimator: constant
// memory no matter how long the loop has been up.
type Metrics struct {
	iterations   atomic.Uint64
	callbacksRun atomic.Uint64
	skipped      atomic.Uint64
	panics       atomic.Uint64
	timersFired  atomic.Uint64
	ioDispatched atomic.Uint64
	wakeups      atomic.Uint64

	mu        sync.Mutex
	iteration *quantileDigest
}

func newMetrics() *Metrics {
	return &Metrics{iteration: newQuantileDigest(0.50, 0.95, 0.99)}
}

// MetricsSnapshot is a point-in-time copy of a Loop's metrics.
type MetricsSnapshot struct {
	// Iterations is the number of completed loop iterations.
	Iterations uint64
	// CallbacksRun counts callbacks actually invoked during drains.
	CallbacksRun uint64
	// CallbacksSkipped counts ready-queue entries dropped because their
	// handle was cancelled or already released.
	CallbacksSkipped uint64
	// CallbackPanics counts recovered callback panics, severe or not.
	CallbackPanics uint64
	// TimersFired counts timer expirations funneled into the ready queue.
	TimersFired uint64
	// IODispatched counts descriptor notifications funneled into the ready
	// queue; an error condition delivered to both directions counts twice.
	IODispatched uint64
	// Wakeups counts cross-goroutine wakeup signals actually written.
	Wakeups uint64

	// Iteration latency over the life of the loop, blocking wait excluded.
	IterationP50  time.Duration
	IterationP95  time.Duration
	IterationP99  time.Duration
	IterationMax  time.Duration
	IterationMean time.Duration
}

// Snapshot returns a copy suitable for monitoring. Counters are read
// individually; they may straddle an in-progress iteration.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	s := MetricsSnapshot{
		Iterations:       m.iterations.Load(),
		CallbacksRun:     m.callbacksRun.Load(),
		CallbacksSkipped: m.skipped.Load(),
		CallbackPanics:   m.panics.Load(),
		TimersFired:      m.timersFired.Load(),
		IODispatched:     m.ioDispatched.Load(),
		Wakeups:          m.wakeups.Load(),
	}
	m.mu.Lock()
	if m.iteration.Count() > 0 {
		s.IterationP50 = time.Duration(m.iteration.Quantile(0))
		s.IterationP95 = time.Duration(m.iteration.Quantile(1))
		s.IterationP99 = time.Duration(m.iteration.Quantile(2))
		s.IterationMax = time.Duration(m.iteration.Max())
		s.IterationMean = time.Duration(m.iteration.Mean())
	}
	m.mu.Unlock()
	return s
}

// The add helpers are nil-safe so call sites stay unconditional.

func (m *Metrics) addIteration(d time.Duration) {
	if m == nil {
		return
	}
	m.iterations.Add(1)
	m.mu.Lock()
	m.iteration.Observe(float64(d))
	m.mu.Unlock()
}

func (m *Metrics) addCallback() {
	if m == nil {
		return
	}
	m.callbacksRun.Add(1)
}

func (m *Metrics) addSkipped() {
	if m == nil {
		return
	}
	m.skipped.Add(1)
}

func (m *Metrics) addPanic() {
	if m == nil {
		return
	}
	m.panics.Add(1)
}

func (m *Metrics) addTimersFired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.timersFired.Add(uint64(n))
}

func (m *Metrics) addIODispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ioDispatched.Add(uint64(n))
}

func (m *Metrics) addWakeup() {
	if m == nil {
		return
	}
	m.wakeups.Add(1)
}
