// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import "time"

// Clock is a manually advanced time source.
type Clock struct {
	now time.Time
}

// NewClock starts the clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Sleep advances the clock instead of blocking.
func (c *Clock) Sleep(d time.Duration) { c.Advance(d) }
