// File: internal/concurrency/timerqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One-shot timers ordered by due time, fired from the loop goroutine.

package concurrency

import (
	"container/heap"
	"time"
)

// Timer is a scheduled one-shot callback. The handle stays valid after the
// timer fires so it can be restarted.
type Timer struct {
	dueAt time.Time
	delay time.Duration
	fn    func()
	seq   uint64
	index int // heap position, or notQueued / heldBack
}

const (
	notQueued = -1
	heldBack  = -2 // popped by Tick but armed during it
)

// DueAt returns the instant the timer fires.
func (t *Timer) DueAt() time.Time { return t.dueAt }

// Delay returns the delay the timer was scheduled with.
func (t *Timer) Delay() time.Duration { return t.delay }

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = notQueued
	*h = old[:n-1]
	return t
}

// TimerQueue holds timers sorted by (dueAt, insertion order). It is owned by
// the loop goroutine and is not safe for concurrent use.
type TimerQueue struct {
	h   timerHeap
	seq uint64
	now func() time.Time
}

// NewTimerQueue creates a queue reading time from now; nil means time.Now.
func NewTimerQueue(now func() time.Time) *TimerQueue {
	if now == nil {
		now = time.Now
	}
	return &TimerQueue{now: now}
}

// Schedule arms fn to run once after delay.
func (q *TimerQueue) Schedule(delay time.Duration, fn func()) *Timer {
	if delay < 0 {
		delay = 0
	}
	t := &Timer{delay: delay, fn: fn, index: notQueued}
	q.insert(t)
	return t
}

func (q *TimerQueue) insert(t *Timer) {
	q.seq++
	t.seq = q.seq
	t.dueAt = q.now().Add(t.delay)
	heap.Push(&q.h, t)
}

// Abort removes t. It reports false when t already fired or was aborted.
func (q *TimerQueue) Abort(t *Timer) bool {
	if !q.Pending(t) {
		return false
	}
	if t.index == heldBack {
		t.index = notQueued
		return true
	}
	heap.Remove(&q.h, t.index)
	return true
}

// Restart re-arms t for its original delay from now. A pending t is moved;
// a fired or aborted t is queued again. Among timers with the same due time
// it goes last.
func (q *TimerQueue) Restart(t *Timer) bool {
	if t == nil {
		return false
	}
	q.Abort(t)
	q.insert(t)
	return true
}

// Pending reports whether t is queued.
func (q *TimerQueue) Pending(t *Timer) bool {
	if t == nil {
		return false
	}
	if t.index == heldBack {
		return true
	}
	return t.index >= 0 && t.index < len(q.h) && q.h[t.index] == t
}

// Len returns the number of queued timers.
func (q *TimerQueue) Len() int { return len(q.h) }

// NextDue returns the due time of the earliest timer.
func (q *TimerQueue) NextDue() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].dueAt, true
}

// Tick fires every timer due at or before now and returns how many ran.
// Timers armed by callbacks during this call wait for the next Tick. A
// panicking callback propagates; its timer is already removed.
func (q *TimerQueue) Tick(now time.Time) int {
	return q.TickUpTo(now, q.Mark())
}

// Mark returns the insertion mark of the most recently armed timer.
func (q *TimerQueue) Mark() uint64 { return q.seq }

// TickUpTo is Tick restricted to timers armed at or before mark. Resuming
// after a panic with the same mark keeps timers armed by the callbacks
// that already ran out of this pass.
func (q *TimerQueue) TickUpTo(now time.Time, mark uint64) int {
	var deferred []*Timer
	defer func() {
		for _, t := range deferred {
			if t.index == heldBack {
				heap.Push(&q.h, t)
			}
		}
	}()

	fired := 0
	for len(q.h) > 0 {
		t := q.h[0]
		if t.dueAt.After(now) {
			break
		}
		heap.Pop(&q.h)
		if t.seq > mark {
			t.index = heldBack
			deferred = append(deferred, t)
			continue
		}
		fired++
		t.fn()
	}
	return fired
}
