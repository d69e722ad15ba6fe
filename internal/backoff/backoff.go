// Package backoff provides a small exponential backoff value object. It is
// passed by value per symbol or per token so one symbol's failures never
// stretch another's delays.
package backoff

import "time"

// Backoff produces exponentially growing delays: base, 2*base, 4*base, ...
// capped at Cap. The zero value is unusable; construct with New.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// New returns a Backoff starting at base and never exceeding cap. A
// non-positive cap defaults to 8x base.
func New(base, cap time.Duration) Backoff {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if cap <= 0 {
		cap = 8 * base
	}
	return Backoff{Base: base, Cap: cap}
}

// Next returns the delay for the upcoming retry and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Cap || d <= 0 { // overflow guard on the shift
		d = b.Cap
	}
	b.attempt++
	return d
}

// Reset rewinds the sequence to the base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
