// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package concurrency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bot/fake"
	"github.com/momentics/hioload-bot/internal/concurrency"
	"github.com/momentics/hioload-bot/reactor"
)

type stubSource struct {
	ready   bool
	drains  int
	err     error
	onDrain func()
}

func (s *stubSource) Drain() error {
	s.drains++
	if s.onDrain != nil {
		s.onDrain()
	}
	return s.err
}

func (s *stubSource) Ready() bool { return s.ready }

type recordingMetrics struct {
	ticks  int
	active int
	panics map[string]int
}

func (m *recordingMetrics) TickDone(active bool, _ int) {
	m.ticks++
	if active {
		m.active++
	}
}

func (m *recordingMetrics) TickPanic(phase string) {
	if m.panics == nil {
		m.panics = make(map[string]int)
	}
	m.panics[phase]++
}

func TestLoop_PhaseOrder(t *testing.T) {
	clk := fake.NewClock()
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)

	var order []string
	src := &stubSource{ready: true, onDrain: func() { order = append(order, "drain") }}
	loop := concurrency.NewLoop(mux, concurrency.WithClock(clk.Now), concurrency.WithSource(src))

	_, err := mux.Register(10, reactor.InterestRead, func(int, reactor.Interest) { order = append(order, "poll") })
	require.NoError(t, err)
	loop.Timers().Schedule(0, func() { order = append(order, "timer") })
	loop.Hooks().Add(func() { order = append(order, "hook") })
	loop.Cron().Every("job", time.Second, func() { order = append(order, "cron") })
	require.True(t, loop.Post(func() { order = append(order, "post") }))

	clk.Advance(time.Second)
	be.Fire(10, reactor.InterestRead)
	assert.True(t, loop.Tick())
	assert.Equal(t, []string{"post", "drain", "poll", "timer", "hook", "cron"}, order)
}

func TestLoop_SourceNotReadySkipsDispatch(t *testing.T) {
	clk := fake.NewClock()
	src := &stubSource{}
	loop := concurrency.NewLoop(nil, concurrency.WithClock(clk.Now), concurrency.WithSource(src))

	fired := false
	loop.Timers().Schedule(0, func() { fired = true })
	loop.Tick()
	assert.Equal(t, 1, src.drains)
	assert.False(t, fired)

	src.ready = true
	loop.Tick()
	assert.True(t, fired)
}

func TestLoop_SurvivesPanickingHook(t *testing.T) {
	clk := fake.NewClock()
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)
	m := &recordingMetrics{}
	loop := concurrency.NewLoop(mux, concurrency.WithClock(clk.Now), concurrency.WithMetrics(m))

	loop.Hooks().Add(func() { panic("hook failure") })
	polled := 0
	_, err := mux.Register(3, reactor.InterestRead, func(int, reactor.Interest) { polled++ })
	require.NoError(t, err)
	timers := 0
	loop.Timers().Schedule(0, func() { timers++ })

	assert.NotPanics(t, func() { loop.Tick() })
	loop.Timers().Schedule(0, func() { timers++ })
	be.Fire(3, reactor.InterestRead)
	assert.NotPanics(t, func() { loop.Tick() })

	assert.Equal(t, 2, timers)
	assert.Equal(t, 1, polled)
	assert.Equal(t, uint64(2), loop.Panics())
	assert.Equal(t, 2, m.panics["hook"])
	assert.Equal(t, 2, m.ticks)
	assert.Equal(t, 1, m.active)
}

func TestLoop_PanickingTimerDoesNotStarveOthers(t *testing.T) {
	clk := fake.NewClock()
	loop := concurrency.NewLoop(nil, concurrency.WithClock(clk.Now))

	loop.Timers().Schedule(0, func() { panic("timer failure") })
	ran := false
	loop.Timers().Schedule(0, func() { ran = true })

	loop.Tick()
	assert.True(t, ran)
	assert.Equal(t, uint64(1), loop.Panics())
}

func TestLoop_PanickingTimerReschedulingItselfFiresOncePerTick(t *testing.T) {
	clk := fake.NewClock()
	loop := concurrency.NewLoop(nil, concurrency.WithClock(clk.Now))

	runs := 0
	var fn func()
	fn = func() {
		runs++
		if runs < 100 {
			loop.Timers().Schedule(0, fn)
		}
		panic("timer failure")
	}
	loop.Timers().Schedule(0, fn)
	other := 0
	loop.Timers().Schedule(0, func() { other++ })

	loop.Tick()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, other, "timers queued before the panic still fire")
	assert.Equal(t, 1, loop.Timers().Len())

	loop.Tick()
	assert.Equal(t, 2, runs)
	assert.Equal(t, uint64(2), loop.Panics())
}

func TestLoop_SourceErrorIsNotFatal(t *testing.T) {
	src := &stubSource{ready: true, err: errors.New("connection reset")}
	loop := concurrency.NewLoop(nil, concurrency.WithSource(src))

	hooks := 0
	loop.Hooks().Add(func() { hooks++ })
	loop.Tick()
	loop.Tick()
	assert.Equal(t, 2, hooks)
}

func TestLoop_AdaptiveSleep(t *testing.T) {
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)
	var sleeps []time.Duration
	var loop *concurrency.Loop
	loop = concurrency.NewLoop(mux, concurrency.WithSleep(func(d time.Duration) {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			loop.Stop()
		}
	}))
	_, err := mux.Register(1, reactor.InterestRead, func(int, reactor.Interest) {})
	require.NoError(t, err)
	be.Fire(1, reactor.InterestRead)

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []time.Duration{concurrency.DefaultBusySleep, concurrency.DefaultIdleSleep}, sleeps)
}

func TestLoop_RunPostStop(t *testing.T) {
	loop := concurrency.NewLoop(nil, concurrency.WithPacing(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	ran := make(chan struct{})
	require.True(t, loop.Post(func() { close(ran) }))
	select {
	case <-ran:
	case <-ctx.Done():
		t.Fatal("posted work never ran")
	}

	loop.Stop()
	loop.Stop()
	require.NoError(t, <-done)
	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Run(ctx), concurrency.ErrLoopRunning)
}

func TestLoop_RunStopsOnContext(t *testing.T) {
	loop := concurrency.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)
}
