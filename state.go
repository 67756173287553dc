package looping

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop driver.
//
// State Machine:
//
//	StateIdle (0) → StateBlocking (1)      [iteration waits in the backend]
//	StateIdle (0) → StateDraining (2)      [ready work skips the wait]
//	StateBlocking (1) → StateDraining (2)  [backend returned via CAS]
//	StateDraining (2) → StateIdle (0)      [iteration complete]
//	running states → StateStopped (3)      [Stop observed at iteration top]
//	StateIdle/StateStopped → StateClosed (4) [Close]
//	StateClosed (4) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for the Blocking/Draining hot path
//   - Use Store() for StateStopped and StateClosed
//   - Using Store(Blocking) or Store(Draining) is a BUG (breaks CAS wakeup logic)
//
// StateStopped is not terminal: a loop halted by Stop may be driven again.
// Only StateClosed is permanent.
type LoopState uint64

const (
	// StateIdle indicates the loop is between iterations or has not started.
	StateIdle LoopState = 0
	// StateBlocking indicates the loop is blocked in the backend waiting for
	// readiness, timer expiry, or an external wakeup.
	StateBlocking LoopState = 1
	// StateDraining indicates the loop is firing expired timers and running
	// ready callbacks.
	StateDraining LoopState = 2
	// StateStopped indicates Stop took effect at the top of an iteration.
	// The loop may be run again from this state.
	StateStopped LoopState = 3
	// StateClosed indicates Close released the backend. Terminal.
	StateClosed LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBlocking:
		return "Blocking"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding.
//
// PERFORMANCE: Uses pure atomic CAS operations with no mutex.
// Cache-line padding prevents false sharing between cores.
type FastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// NewFastState creates a new state machine in the Idle state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateIdle))
	return s
}

// Load returns the current state atomically.
// PERFORMANCE: No validation, trusts the stored value.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state.
// PERFORMANCE: No transition validation.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
// PERFORMANCE: Pure CAS, no validation of transition validity.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any valid source state to the target.
// Returns true if the transition was successful.
// PERFORMANCE: Uses CAS loop for any-to-target transitions.
func (s *FastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the current state is terminal (Closed).
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateClosed
}

// IsRunning returns true if the loop is currently inside a driver call.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateBlocking || state == StateDraining
}

// CanAcceptWork returns true if the loop can accept new registrations.
func (s *FastState) CanAcceptWork() bool {
	return s.Load() != StateClosed
}
