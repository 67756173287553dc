// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package looping

// defaultWaitBuffer is the per-iteration backend result buffer size.
const defaultWaitBuffer = 128

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *Logger
	backend        Backend
	metricsEnabled bool
	ingressBatch   int
	waitBuffer     int
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger for internal diagnostics: callback
// panics, removal-side backend failures, and severe failures. Without it the
// loop falls back to the standard library logger for errors and drops debug
// output.
func WithLogger(logger *Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithBackend supplies the readiness backend, overriding the platform
// default from NewBackend. The loop takes ownership: Close tears it down.
func WithBackend(backend Backend) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.backend = backend
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
// This adds minimal overhead (e.g., record iteration latency, count firings).
// For zero-allocation hot paths, leave metrics disabled in production.
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithIngressBatch caps how many cross-goroutine submissions one iteration
// transfers onto the ready queue. Zero (the default) transfers everything
// pending. A bounded batch keeps iteration latency flat under a submission
// storm; the remainder is picked up next iteration without an extra wakeup.
func WithIngressBatch(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 0 {
			return &RangeError{Message: "looping: ingress batch must be non-negative"}
		}
		opts.ingressBatch = n
		return nil
	}}
}

// WithWaitBuffer sets how many readiness notifications one backend wait can
// report. Anything beyond the buffer is re-reported by the next wait
// (delivery is level-triggered), so this bounds per-iteration I/O dispatch.
func WithWaitBuffer(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return &RangeError{Message: "looping: wait buffer must be positive"}
		}
		opts.waitBuffer = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		waitBuffer: defaultWaitBuffer, // default
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
