// Package looping provides a single-goroutine cooperative event loop for Go,
// multiplexing timers, file-descriptor readiness, and OS signals over one
// blocking backend wait, with cancellable handles and a thread-safe
// scheduling entry point.
//
// # Architecture
//
// A [Loop] owns four registries and drives them from a single goroutine:
//   - a ready queue of callbacks due to run, drained FIFO
//   - a timer heap ([Loop.CallLater], [Loop.CallRepeatedly])
//   - a descriptor table ([Loop.AddReader], [Loop.AddWriter]) consolidating
//     read and write interest onto one subscription per descriptor
//   - a signal table ([Loop.AddSignalHandler])
//
// Each registration returns a [Handle]. Cancellation is cooperative and
// lazy: a cancelled handle already queued for delivery is skipped at drain
// time, never retroactively removed.
//
// # Execution Model
//
// Exactly one callback runs at a time, run to completion. An iteration
// ([Loop.RunOnce]) blocks in the backend until the next timer deadline, a
// readiness notification, or an external wakeup; it then fires expired
// timers, appends reported descriptor and signal notifications, and drains
// the ready queue up to the length it had when the drain began. Callbacks
// scheduled by callbacks therefore run in a later iteration, which bounds
// per-iteration latency.
//
// [Loop.Run] repeats iterations until nothing remains registered.
// [Loop.RunForever] keeps the loop alive until [Loop.Stop].
//
// # Thread Safety
//
// The core holds no locks. While a driver call is in progress, the only
// operations safe from other goroutines are [Loop.CallSoonThreadsafe],
// [Loop.Stop], and [Handle.Cancelled]; everything else must run on the loop
// goroutine (typically from inside a callback) and is rejected with
// [ErrNotOwner] otherwise. Cross-goroutine submissions reach the loop
// through a lock-free queue paired with an atomic, deduplicated wakeup.
//
// # Platform Support
//
// Readiness backends are platform-native: epoll on Linux, kqueue on macOS,
// with a portable poll(2) variant ([NewPollBackend]) on both. [WithBackend]
// accepts any [Backend] implementation.
//
// # Usage
//
//	loop, err := looping.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	loop.CallLater(100*time.Millisecond, func() {
//	    fmt.Println("hello after 100ms")
//	})
//
//	if err := loop.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
// Registration failures are synchronous and typed: [TypeError] for a wrong
// argument kind, [RangeError] for an out-of-range value, [CapabilityError]
// for operations the platform refuses, and sentinel errors such as
// [ErrReaderRegistered] for duplicate registrations. Callback panics are
// contained and logged per callback; a panic carrying a [FatalError] halts
// the loop and is returned by the driver instead.
package looping
