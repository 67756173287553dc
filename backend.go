// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package looping

import (
	"errors"
	"time"
)

// IOEvents represents the type of I/O events to monitor or report.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOResult is one readiness notification reported by Backend.Wait.
type IOResult struct {
	FD     int
	Events IOEvents
}

// Standard backend errors.
var (
	ErrFDOutOfRange  = errors.New("looping: fd out of range")
	ErrBackendClosed = errors.New("looping: backend closed")
)

// backendEventBuf is the kernel-facing event buffer size per Wait call.
const backendEventBuf = 256

// Backend is the native readiness layer the loop blocks in. One variant is
// selected at construction time (epoll, kqueue, or portable poll); the loop
// never inspects which variant it holds.
//
// Arm, Rearm, Disarm, Wait, and Close are loop-goroutine-only. Wakeup is the
// single cross-goroutine entry point: it interrupts a concurrent Wait
// promptly and never blocks the caller.
//
// The backend owns its internal wakeup descriptor; Wait drains wakeups and
// never reports them as results.
type Backend interface {
	// Arm begins monitoring fd with the given interest bitmask.
	Arm(fd int, events IOEvents) error
	// Rearm replaces the interest bitmask of an armed fd.
	Rearm(fd int, events IOEvents) error
	// Disarm stops monitoring fd.
	Disarm(fd int) error
	// Wait blocks until at least one armed descriptor is ready, the timeout
	// elapses, or Wakeup is called, then fills results and returns the count.
	// timeout < 0 blocks indefinitely; timeout == 0 polls without blocking.
	// Results that do not fit in one call are reported by the next Wait.
	Wait(results []IOResult, timeout time.Duration) (int, error)
	// Wakeup makes a concurrent or subsequent Wait return promptly.
	// Safe from any goroutine.
	Wakeup() error
	// Close releases the backend. Armed descriptors are dropped.
	Close() error
}

// NewBackend returns the platform default backend: epoll on Linux, kqueue on
// Darwin. Use NewPollBackend for the portable poll(2) variant, or supply any
// Backend via WithBackend.
func NewBackend() (Backend, error) {
	return newPlatformBackend()
}

// timeoutToMs converts a Wait timeout to milliseconds for epoll/poll style
// calls, rounding partial milliseconds up so short waits never busy-spin.
func timeoutToMs(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := int(timeout / time.Millisecond)
	if timeout%time.Millisecond != 0 {
		ms++
	}
	return ms
}
