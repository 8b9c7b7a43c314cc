// Package clock abstracts time so session timers can be driven
// deterministically in tests.
package clock

import "time"

// Timer is the minimal handle returned by AfterFunc: it can be stopped or
// reset to fire again after a new delay.
type Timer interface {
	// Stop prevents the timer from firing. It returns true if the call
	// stops the timer, false if the timer has already fired or been
	// stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d, as if the timer
	// had just been created. Any previously scheduled fire is cancelled.
	Reset(d time.Duration) bool
}

// Clock provides the timer primitives a Session needs: now, and a
// single-shot deferred callback. Production code binds to Real; tests bind
// to a Virtual clock whose Advance fires due timers synchronously.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the production Clock, backed directly by the time package.
var Real Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
