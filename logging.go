package looping

import (
	"log"

	"github.com/joeycumines/logiface"
)

// Logger is the structured logger type accepted by WithLogger. Adapt any
// concrete logiface implementation via its Logger method, e.g.
//
//	l, err := looping.New(looping.WithLogger(stumpy.New(...).Logger()))
//
// A nil logger is valid: debug output is dropped and error output falls back
// to the standard library logger.
type Logger = logiface.Logger[logiface.Event]

// logError reports a non-fatal internal failure. The loop must survive a
// panicking logger, so failures here fall back to the standard library
// logger rather than propagate.
func (l *Loop) logError(msg string, value any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: looping: %s: %v (logger panic: %v)", msg, value, r)
		}
	}()
	if l.logger == nil {
		log.Printf("ERROR: looping: %s: %v", msg, value)
		return
	}
	b := l.logger.Err().Uint64("loop", l.id)
	if err, ok := value.(error); ok {
		b = b.Err(err)
	} else if value != nil {
		b = b.Interface("value", value)
	}
	b.Log(msg)
}

// logCritical reports a failure that halts or corrupts the loop, such as a
// severe callback failure or a backend wait error. Same fallback contract as
// logError.
func (l *Loop) logCritical(msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL: looping: %s: %v (logger panic: %v)", msg, err, r)
		}
	}()
	if l.logger == nil {
		log.Printf("CRITICAL: looping: %s: %v", msg, err)
		return
	}
	l.logger.Crit().Uint64("loop", l.id).Err(err).Log(msg)
}

// logPanic reports a recovered callback panic with enough context to
// identify the callback: its kind, arena slot, and the captured stack.
func (l *Loop) logPanic(kind handleKind, slot uint32, r any, stack []byte) {
	defer func() {
		if r2 := recover(); r2 != nil {
			log.Printf("ERROR: looping: callback panicked: %v (logger panic: %v)", r, r2)
		}
	}()
	if l.logger == nil {
		log.Printf("ERROR: looping: callback panicked: kind=%s slot=%d: %v\n%s", kind, slot, r, stack)
		return
	}
	l.logger.Err().
		Uint64("loop", l.id).
		Str("kind", kind.String()).
		Uint64("slot", uint64(slot)).
		Interface("panic", r).
		Str("stack", string(stack)).
		Log("callback panicked")
}
