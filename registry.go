package looping

import (
	"sync"
)

// Every operation in this package takes an explicit *Loop; nothing consults
// ambient state to find one. The registry below exists for top-level entry
// points (main, tests) that want one process-wide loop without threading it
// through themselves, and for Current, which answers "which loop invoked this
// callback".

var defaultLoop struct {
	mu sync.Mutex
	l  *Loop
}

// Default returns the process-wide default loop, creating it on first access.
// Libraries should accept a *Loop parameter instead of calling this; the
// default exists for entry points that own the process lifecycle.
func Default() (*Loop, error) {
	defaultLoop.mu.Lock()
	defer defaultLoop.mu.Unlock()
	if defaultLoop.l == nil {
		l, err := New()
		if err != nil {
			return nil, err
		}
		defaultLoop.l = l
	}
	return defaultLoop.l, nil
}

// SetDefault replaces the process-wide default loop and returns the previous
// one, nil if none was set or created. Passing nil clears the default, so the
// next Default call creates a fresh loop. The caller owns closing the
// returned loop.
func SetDefault(l *Loop) *Loop {
	defaultLoop.mu.Lock()
	defer defaultLoop.mu.Unlock()
	prev := defaultLoop.l
	defaultLoop.l = l
	return prev
}

// runningLoops maps a goroutine ID to the loop that goroutine is driving.
// Maintained by the driver entry and exit paths.
var runningLoops sync.Map // uint64 -> *Loop

func setCurrentLoop(gid uint64, l *Loop) {
	runningLoops.Store(gid, l)
}

func clearCurrentLoop(gid uint64) {
	runningLoops.Delete(gid)
}

// Current returns the loop the calling goroutine is driving, or nil. Inside
// a callback that is the loop that invoked it; on any other goroutine, or
// between driver calls, it is nil.
func Current() *Loop {
	if v, ok := runningLoops.Load(getGoroutineID()); ok {
		return v.(*Loop)
	}
	return nil
}
