// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package concurrency_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bot/fake"
	"github.com/momentics/hioload-bot/internal/concurrency"
)

func TestTimerQueue_SameDueTimeFiresInScheduleOrder(t *testing.T) {
	clk := fake.NewClock()
	q := concurrency.NewTimerQueue(clk.Now)

	var order []string
	q.Schedule(time.Second, func() { order = append(order, "A") })
	q.Schedule(time.Second, func() { order = append(order, "B") })
	q.Schedule(500*time.Millisecond, func() { order = append(order, "early") })

	assert.Equal(t, 0, q.Tick(clk.Now()))
	clk.Advance(time.Second)
	assert.Equal(t, 3, q.Tick(clk.Now()))
	assert.Equal(t, []string{"early", "A", "B"}, order)
	assert.Equal(t, 0, q.Len())
}

func TestTimerQueue_Abort(t *testing.T) {
	clk := fake.NewClock()
	q := concurrency.NewTimerQueue(clk.Now)

	fired := false
	tm := q.Schedule(time.Millisecond, func() { fired = true })
	assert.True(t, q.Pending(tm))
	assert.True(t, q.Abort(tm))
	assert.False(t, q.Abort(tm), "abort is idempotent")
	assert.False(t, q.Abort(nil))

	clk.Advance(time.Second)
	q.Tick(clk.Now())
	assert.False(t, fired)
}

func TestTimerQueue_RestartGoesAfterEqualDueTimes(t *testing.T) {
	clk := fake.NewClock()
	q := concurrency.NewTimerQueue(clk.Now)

	var order []string
	a := q.Schedule(time.Second, func() { order = append(order, "A") })
	q.Schedule(time.Second, func() { order = append(order, "B") })
	require.True(t, q.Restart(a))

	clk.Advance(time.Second)
	q.Tick(clk.Now())
	assert.Equal(t, []string{"B", "A"}, order)

	// a fired timer can be armed again
	require.True(t, q.Restart(a))
	assert.Equal(t, clk.Now().Add(time.Second), a.DueAt())
	clk.Advance(time.Second)
	assert.Equal(t, 1, q.Tick(clk.Now()))
	assert.Equal(t, []string{"B", "A", "A"}, order)
}

func TestTimerQueue_ZeroDelayRescheduleWaitsForNextTick(t *testing.T) {
	clk := fake.NewClock()
	q := concurrency.NewTimerQueue(clk.Now)

	runs := 0
	var again func()
	again = func() {
		runs++
		q.Schedule(0, again)
	}
	q.Schedule(0, again)

	assert.Equal(t, 1, q.Tick(clk.Now()))
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Tick(clk.Now()))
	assert.Equal(t, 2, runs)
}

func TestTimerQueue_AbortTimerArmedDuringTick(t *testing.T) {
	clk := fake.NewClock()
	q := concurrency.NewTimerQueue(clk.Now)

	var late *concurrency.Timer
	q.Schedule(0, func() { late = q.Schedule(0, func() { t.Fatal("aborted timer ran") }) })
	q.Schedule(0, func() { assert.True(t, q.Abort(late)) })

	q.Tick(clk.Now())
	assert.Equal(t, 0, q.Len())
	q.Tick(clk.Now())
}

func TestTimerQueue_PanicPropagatesAfterRemoval(t *testing.T) {
	clk := fake.NewClock()
	q := concurrency.NewTimerQueue(clk.Now)

	q.Schedule(0, func() { panic("boom") })
	ran := false
	q.Schedule(0, func() { ran = true })

	assert.Panics(t, func() { q.Tick(clk.Now()) })
	assert.Equal(t, 1, q.Len())
	q.Tick(clk.Now())
	assert.True(t, ran)
}

func TestTimerQueue_NextDue(t *testing.T) {
	clk := fake.NewClock()
	q := concurrency.NewTimerQueue(clk.Now)

	_, ok := q.NextDue()
	assert.False(t, ok)
	q.Schedule(3*time.Second, func() {})
	q.Schedule(time.Second, func() {})
	due, ok := q.NextDue()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Second), due)
}
