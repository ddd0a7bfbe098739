// Package spin provides the bounded exponential backoff used by every
// busy-wait loop over shared memory.
package spin

import (
	"runtime"
	"time"
)

const (
	// DefaultInitial is the first sleep after the busy-yield phase.
	DefaultInitial = 50 * time.Microsecond

	// DefaultMax caps the exponential growth.
	DefaultMax = 1 * time.Millisecond

	// yieldAttempts is the number of attempts that only yield the processor
	// before sleeping. Most waits (a peer finishing a rotation or a write
	// lock release) resolve within a few scheduler turns.
	yieldAttempts = 4
)

// Backoff waits for an exponentially increasing duration per attempt:
// a few [runtime.Gosched] calls first, then Initial, 2*Initial, ... up to Max.
//
// The zero value uses [DefaultInitial] and [DefaultMax]. A Backoff is not
// safe for concurrent use; each waiting loop owns one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Wait blocks for the current attempt's duration and advances the attempt.
func (b *Backoff) Wait() {
	b.attempt++

	if b.attempt <= yieldAttempts {
		runtime.Gosched()

		return
	}

	initial := b.Initial
	if initial <= 0 {
		initial = DefaultInitial
	}

	maxWait := b.Max
	if maxWait <= 0 {
		maxWait = DefaultMax
	}

	shift := min(b.attempt-yieldAttempts-1, 20)

	time.Sleep(min(initial<<shift, maxWait))
}

// Attempts returns how many times Wait has been called since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset starts the sequence over.
func (b *Backoff) Reset() {
	b.attempt = 0
}
