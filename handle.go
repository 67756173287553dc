package looping

import (
	"sync/atomic"
)

// handleKind identifies which registry owns a handle's record and whether the
// drain releases it after one delivery.
type handleKind uint8

const (
	// kindSoon is a one-shot ready-queue entry (CallSoon, CallSoonThreadsafe).
	kindSoon handleKind = iota
	// kindTimer is a one-shot timer.
	kindTimer
	// kindRepeat is a repeating timer. Persists across deliveries.
	kindRepeat
	// kindReader is descriptor read interest. Persists across deliveries.
	kindReader
	// kindWriter is descriptor write interest. Persists across deliveries.
	kindWriter
	// kindSignal is a signal subscription. Persists across deliveries.
	kindSignal
)

func (k handleKind) String() string {
	switch k {
	case kindSoon:
		return "soon"
	case kindTimer:
		return "timer"
	case kindRepeat:
		return "repeat"
	case kindReader:
		return "reader"
	case kindWriter:
		return "writer"
	case kindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Record lifecycle states, stored in the low 32 bits of handleRecord.meta.
// The zero value (recFree, generation 0) is the state of a fresh chunk.
const (
	recFree      uint32 = 0
	recLive      uint32 = 1
	recCancelled uint32 = 2
)

// Handle is a cancellable reference to a registered callback. Handles are
// small values addressing a generation-checked arena slot, so a stale Handle
// (one whose callback already fired or was cancelled) is detected by a
// generation mismatch rather than by comparing object identity.
//
// Cancel must be called from the goroutine driving the loop. Cancelled may be
// called from any goroutine.
//
// The zero Handle is invalid; Cancel on it is a no-op and Cancelled reports
// true.
type Handle struct {
	loop *Loop
	slot uint32
	gen  uint32
}

// Cancel marks the handle cancelled and invokes its cancel hook exactly once.
// The hook detaches the callback from whichever structure holds it (timer
// heap, descriptor table, signal table). Cancel is idempotent: calling it on
// an already-cancelled or already-fired handle does nothing.
//
// Safe to call from within the callback the handle guards. Calling Cancel
// from a non-owning goroutine while the loop is running is rejected.
func (h Handle) Cancel() {
	l := h.loop
	if l == nil {
		return
	}
	if l.state.IsRunning() && !l.isLoopThread() {
		l.logError("cancel rejected: not called from the loop goroutine", h.slot)
		return
	}
	rec := l.arena.resolve(h.slot, h.gen)
	if rec == nil {
		return
	}
	hook := rec.cancelHook
	rec.cancelHook = nil
	rec.meta.Store(uint64(h.gen)<<32 | uint64(recCancelled))
	if hook != nil {
		hook()
	}
}

// Cancelled reports whether the handle can no longer fire: it was cancelled,
// it already fired and was released (one-shot kinds), or the loop reclaimed
// it. Safe to call from any goroutine.
func (h Handle) Cancelled() bool {
	l := h.loop
	if l == nil {
		return true
	}
	rec := l.arena.record(h.slot)
	if rec == nil {
		return true
	}
	m := rec.meta.Load()
	return uint32(m>>32) != h.gen || uint32(m) != recLive
}

// valid reports whether the handle refers to any loop at all. It does not
// check liveness; see Cancelled.
func (h Handle) valid() bool {
	return h.loop != nil
}

// pack encodes the handle's arena coordinates into a non-zero uint64 for
// storage in an atomic cell. The zero value decodes to an invalid Handle.
func (h Handle) pack() uint64 {
	if h.loop == nil {
		return 0
	}
	return uint64(h.slot+1)<<32 | uint64(h.gen)
}

// unpackHandle reverses Handle.pack for handles belonging to l.
func unpackHandle(l *Loop, v uint64) Handle {
	if v == 0 {
		return Handle{}
	}
	return Handle{loop: l, slot: uint32(v>>32) - 1, gen: uint32(v)}
}

// handleRecord is one arena slot. meta packs the slot generation (high 32
// bits) with the lifecycle state (low 32 bits) so a cross-goroutine Cancelled
// read observes both with a single load. fn and cancelHook are written by the
// allocating goroutine before the record is published and read only by the
// loop goroutine afterwards.
type handleRecord struct {
	meta       atomic.Uint64
	nextFree   atomic.Uint32 // successor in the free stack, encoded slot+1, 0 = end
	kind       handleKind
	fn         func()
	cancelHook func()
}

const (
	arenaChunkBits = 10
	arenaChunkSize = 1 << arenaChunkBits // records per chunk
	arenaMaxChunks = 1024                // total capacity arenaMaxChunks * arenaChunkSize
)

type handleChunk [arenaChunkSize]handleRecord

// handleArena allocates handle records without locks. Chunks are published
// once via CAS and never moved, so record pointers stay stable for the life
// of the loop. The free list is a Treiber stack whose head packs an ABA tag
// (high 32 bits) with the top slot encoded slot+1 (low 32 bits, 0 = empty).
//
// Allocation is safe from any goroutine (CallSoonThreadsafe allocates off
// the loop goroutine); release happens only on the loop goroutine.
type handleArena struct {
	chunks [arenaMaxChunks]atomic.Pointer[handleChunk]
	next   atomic.Uint32 // high-water mark of slots ever allocated
	free   atomic.Uint64
}

// record returns the record for slot, or nil if the slot was never allocated.
func (a *handleArena) record(slot uint32) *handleRecord {
	chunk := slot >> arenaChunkBits
	if chunk >= arenaMaxChunks {
		return nil
	}
	c := a.chunks[chunk].Load()
	if c == nil {
		return nil
	}
	return &c[slot&(arenaChunkSize-1)]
}

// alloc claims a slot, initializes it with fn and hook, and marks it live.
// Returns ok=false only when the arena is at capacity.
func (a *handleArena) alloc(kind handleKind, fn, hook func()) (slot, gen uint32, ok bool) {
	rec, slot := a.claim()
	if rec == nil {
		return 0, 0, false
	}
	gen = uint32(rec.meta.Load() >> 32)
	rec.kind = kind
	rec.fn = fn
	rec.cancelHook = hook
	rec.meta.Store(uint64(gen)<<32 | uint64(recLive))
	return slot, gen, true
}

// claim pops a free slot or extends the high-water mark.
func (a *handleArena) claim() (*handleRecord, uint32) {
	for {
		head := a.free.Load()
		if uint32(head) == 0 {
			break
		}
		slot := uint32(head) - 1
		rec := a.record(slot)
		next := rec.nextFree.Load()
		tag := head >> 32
		if a.free.CompareAndSwap(head, (tag+1)<<32|uint64(next)) {
			return rec, slot
		}
	}

	slot := a.next.Add(1) - 1
	chunk := slot >> arenaChunkBits
	if chunk >= arenaMaxChunks {
		return nil, 0
	}
	if a.chunks[chunk].Load() == nil {
		// First allocator in a fresh chunk publishes it; a losing CAS means
		// some other goroutine already did.
		a.chunks[chunk].CompareAndSwap(nil, new(handleChunk))
	}
	return a.record(slot), slot
}

// resolve returns the record only when gen matches and the record is live.
func (a *handleArena) resolve(slot, gen uint32) *handleRecord {
	rec := a.record(slot)
	if rec == nil {
		return nil
	}
	if rec.meta.Load() != uint64(gen)<<32|uint64(recLive) {
		return nil
	}
	return rec
}

// release returns a slot to the free stack and bumps its generation so every
// outstanding Handle for it reads as dead. Loop goroutine only.
func (a *handleArena) release(slot uint32) {
	rec := a.record(slot)
	if rec == nil {
		return
	}
	m := rec.meta.Load()
	rec.fn = nil
	rec.cancelHook = nil
	rec.meta.Store(uint64(uint32(m>>32)+1)<<32 | uint64(recFree))
	for {
		head := a.free.Load()
		rec.nextFree.Store(uint32(head))
		tag := head >> 32
		if a.free.CompareAndSwap(head, (tag+1)<<32|uint64(slot+1)) {
			return
		}
	}
}
