package looping

import (
	"container/heap"
	"time"
)

// timerEntry tracks one pending timer. when always holds a future instant
// relative to the moment the entry was (re)armed; idx is the heap position,
// -1 while the entry is not in the heap (popped for firing, or detached).
type timerEntry struct {
	when     time.Time
	interval time.Duration // 0 for one-shot
	h        Handle
	idx      int
}

// timerHeap is a min-heap ordered by next-fire time.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// CallLater schedules fn to run once, no earlier than delay from now. A
// non-positive delay schedules fn onto the ready queue directly, firing at
// the next drain rather than failing validation.
//
// Loop goroutine only while the loop is running.
func (l *Loop) CallLater(delay time.Duration, fn func()) (Handle, error) {
	if err := l.checkRegister(fn); err != nil {
		return Handle{}, err
	}
	if delay <= 0 {
		return l.pushSoon(fn)
	}
	h, e, err := l.armTimer(kindTimer, time.Now().Add(delay), 0, fn)
	if err != nil {
		return Handle{}, err
	}
	heap.Push(&l.timers, e)
	return h, nil
}

// CallRepeatedly schedules fn every interval until the returned handle is
// cancelled. The next deadline is armed before fn runs, so a slow callback
// delays subsequent firings rather than stacking them.
//
// Loop goroutine only while the loop is running.
func (l *Loop) CallRepeatedly(interval time.Duration, fn func()) (Handle, error) {
	if err := l.checkRegister(fn); err != nil {
		return Handle{}, err
	}
	if interval <= 0 {
		return Handle{}, &RangeError{Message: "looping: repeat interval must be positive"}
	}
	h, e, err := l.armTimer(kindRepeat, time.Now().Add(interval), interval, fn)
	if err != nil {
		return Handle{}, err
	}
	heap.Push(&l.timers, e)
	return h, nil
}

// armTimer allocates the handle record and timer entry. The cancel hook
// detaches the entry from the heap; an entry already popped for firing is
// left for the drain to skip and release.
func (l *Loop) armTimer(kind handleKind, when time.Time, interval time.Duration, fn func()) (Handle, *timerEntry, error) {
	e := &timerEntry{when: when, interval: interval, idx: -1}
	slot, gen, ok := l.arena.alloc(kind, fn, func() { l.detachTimer(e) })
	if !ok {
		return Handle{}, nil, ErrTooManyHandles
	}
	h := Handle{loop: l, slot: slot, gen: gen}
	e.h = h
	return h, e, nil
}

// detachTimer removes a cancelled timer from the heap and releases its
// record. Entries not currently in the heap (idx < 0) are in flight on the
// ready queue; the drain's generation check releases those.
func (l *Loop) detachTimer(e *timerEntry) {
	if e.idx >= 0 {
		heap.Remove(&l.timers, e.idx)
		l.arena.release(e.h.slot)
	}
}

// collectExpired pops every timer due at or before now and appends its
// handle to the ready queue. Repeating timers are rearmed before their
// callback runs; when a callback overran its interval the next deadline is
// clamped to now+interval so the timer fires at most once per iteration.
//
// now is captured once per iteration: timers armed during the ensuing drain
// have strictly later deadlines and wait for the next iteration.
func (l *Loop) collectExpired(now time.Time) {
	for l.timers.Len() > 0 {
		e := l.timers[0]
		if e.when.After(now) {
			break
		}
		heap.Pop(&l.timers)
		if e.interval > 0 {
			e.when = e.when.Add(e.interval)
			if !e.when.After(now) {
				e.when = now.Add(e.interval)
			}
			heap.Push(&l.timers, e)
		}
		l.ready.push(e.h)
	}
}

// nextDeadline reports the earliest pending timer deadline, if any.
func (l *Loop) nextDeadline() (time.Time, bool) {
	if l.timers.Len() == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

// dropTimers releases every pending timer. Close path.
func (l *Loop) dropTimers() {
	for _, e := range l.timers {
		e.idx = -1
		l.arena.release(e.h.slot)
	}
	l.timers = l.timers[:0]
}
