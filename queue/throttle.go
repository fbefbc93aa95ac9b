// File: queue/throttle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Send-rate throttles consulted by Queue.GetNext.

package queue

import "time"

// Throttle grants send credit. Allow consumes one unit of credit when it
// returns true.
type Throttle interface {
	Allow(now time.Time) bool
}

// Unlimited never throttles.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(time.Time) bool { return true }

// FixedWindow tracks the next instant a send is allowed. Each send pushes
// that instant forward by Step, but never from further back than Window
// before now, so idle time builds at most Window worth of burst credit.
type FixedWindow struct {
	window time.Duration
	step   time.Duration
	next   time.Time
}

// NewFixedWindow creates a fixed-window throttle.
func NewFixedWindow(window, step time.Duration) *FixedWindow {
	if window < 0 {
		window = 0
	}
	if step <= 0 {
		step = time.Second
	}
	return &FixedWindow{window: window, step: step}
}

// Allow reports whether a send is permitted at now and charges it.
func (f *FixedWindow) Allow(now time.Time) bool {
	if now.Before(f.next) {
		return false
	}
	floor := now.Add(-f.window)
	if f.next.Before(floor) {
		f.next = floor
	}
	f.next = f.next.Add(f.step)
	return true
}

// NextAllowed returns the earliest instant the next send may happen.
func (f *FixedWindow) NextAllowed() time.Time { return f.next }

// milli is the fixed-point scale of the leaky bucket.
const milli = 1000

// LeakyBucket holds up to Capacity sends and refills one send per
// RefillInterval. Levels are kept in integer milli-tokens; the sub-milli
// remainder of elapsed time is carried between refills so the rate does
// not drift. The bucket starts full.
type LeakyBucket struct {
	capacity   int64 // milli-tokens
	interval   time.Duration
	level      int64 // milli-tokens, 0 <= level <= capacity
	carry      int64 // remainder of elapsed*milli not yet converted
	lastRefill time.Time
	started    bool
}

// NewLeakyBucket creates a full bucket.
func NewLeakyBucket(capacity int, refillInterval time.Duration) *LeakyBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}
	c := int64(capacity) * milli
	return &LeakyBucket{capacity: c, interval: refillInterval, level: c}
}

func (b *LeakyBucket) refill(now time.Time) {
	if !b.started {
		b.started = true
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	if b.level >= b.capacity {
		b.carry = 0
		return
	}
	// Compare in whole intervals so neither side can overflow.
	missing := (b.capacity - b.level + milli - 1) / milli
	whole := int64(elapsed / b.interval)
	if whole >= missing {
		b.level = b.capacity
		b.carry = 0
		return
	}
	// whole < missing keeps whole*milli below capacity.
	acc := int64(elapsed%b.interval)*milli + b.carry
	b.level += whole*milli + acc/int64(b.interval)
	b.carry = acc % int64(b.interval)
	if b.level >= b.capacity {
		b.level = b.capacity
		b.carry = 0
	}
}

// Allow refills for the time elapsed since the previous call and takes one
// token if at least one is available.
func (b *LeakyBucket) Allow(now time.Time) bool {
	b.refill(now)
	if b.level < milli {
		return false
	}
	b.level -= milli
	return true
}

// Level returns the current fill level in tokens.
func (b *LeakyBucket) Level() float64 { return float64(b.level) / milli }

// Capacity returns the bucket size in tokens.
func (b *LeakyBucket) Capacity() int { return int(b.capacity / milli) }
