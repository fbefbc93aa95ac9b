// File: internal/concurrency/eventloop.go
// Package concurrency implements the single-goroutine event loop with its
// timers, per-tick hooks and periodic jobs.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bot/api"
	"github.com/momentics/hioload-bot/reactor"
)

// Default loop pacing.
const (
	DefaultIdleSleep = 10 * time.Millisecond
	DefaultBusySleep = 200 * time.Microsecond
	DefaultInboxSize = 1024
)

// ErrLoopRunning is returned when Run is called on a running loop.
var ErrLoopRunning = errors.New("concurrency: loop already running")

// Metrics receives loop observations. control.Metrics implements it.
type Metrics interface {
	TickDone(active bool, pendingTimers int)
	TickPanic(phase string)
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithMetrics attaches loop metrics.
func WithMetrics(m Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithSource attaches the chat transport drained at the top of every tick.
func WithSource(src api.Source) Option {
	return func(l *Loop) { l.source = src }
}

// WithClock replaces time.Now for timers, cron and tick timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithSleep replaces the pause between ticks.
func WithSleep(sleep func(time.Duration)) Option {
	return func(l *Loop) { l.sleep = sleep }
}

// WithPacing sets the idle and busy pauses. Zero keeps the default.
func WithPacing(idle, busy time.Duration) Option {
	return func(l *Loop) {
		if idle > 0 {
			l.idleSleep = idle
		}
		if busy > 0 {
			l.busySleep = busy
		}
	}
}

// WithInboxSize sets the capacity of the Post channel.
func WithInboxSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.inboxSize = n
		}
	}
}

// Loop is the cooperative scheduler. Everything it owns (timers, hooks,
// cron jobs, the multiplexer) must only be touched from its goroutine;
// other goroutines hand work over with Post.
type Loop struct {
	mux    *reactor.Multiplexer
	timers *TimerQueue
	hooks  HookTable
	cron   *Cron
	source api.Source

	inbox     chan func()
	inboxSize int
	stopCh    chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	stopped   atomic.Bool

	idleSleep time.Duration
	busySleep time.Duration
	now       func() time.Time
	sleep     func(time.Duration)

	ticks   atomic.Uint64
	panics  atomic.Uint64
	log     zerolog.Logger
	metrics Metrics
}

// NewLoop creates a loop driving mux. mux may be nil when no sockets are
// involved.
func NewLoop(mux *reactor.Multiplexer, opts ...Option) *Loop {
	l := &Loop{
		mux:       mux,
		inboxSize: DefaultInboxSize,
		stopCh:    make(chan struct{}),
		idleSleep: DefaultIdleSleep,
		busySleep: DefaultBusySleep,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.inbox = make(chan func(), l.inboxSize)
	l.timers = NewTimerQueue(l.now)
	l.cron = NewCron(l.now)
	return l
}

// Mux returns the socket multiplexer.
func (l *Loop) Mux() *reactor.Multiplexer { return l.mux }

// Timers returns the timer queue.
func (l *Loop) Timers() *TimerQueue { return l.timers }

// Hooks returns the per-tick hook table.
func (l *Loop) Hooks() *HookTable { return &l.hooks }

// Cron returns the periodic job table.
func (l *Loop) Cron() *Cron { return l.cron }

// Now returns the loop clock.
func (l *Loop) Now() time.Time { return l.now() }

// Ticks returns the number of completed iterations. Safe for concurrent use.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// Panics returns the number of recovered panics. Safe for concurrent use.
func (l *Loop) Panics() uint64 { return l.panics.Load() }

// SetSource attaches src. Loop goroutine only.
func (l *Loop) SetSource(src api.Source) { l.source = src }

// Post hands fn to the loop goroutine. It returns false when the loop has
// stopped or the inbox is full. Safe for concurrent use.
func (l *Loop) Post(fn func()) bool {
	if fn == nil || l.stopped.Load() {
		return false
	}
	select {
	case l.inbox <- fn:
		return true
	default:
		l.log.Warn().Int("capacity", cap(l.inbox)).Msg("loop inbox full, dropping posted work")
		return false
	}
}

// Pending returns the number of posted functions not yet run.
func (l *Loop) Pending() int { return len(l.inbox) }

// Run ticks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.stopped.Store(true)

	l.log.Info().Dur("idle_sleep", l.idleSleep).Dur("busy_sleep", l.busySleep).Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Uint64("ticks", l.ticks.Load()).Msg("event loop stopped by context")
			return ctx.Err()
		case <-l.stopCh:
			l.log.Info().Uint64("ticks", l.ticks.Load()).Msg("event loop stopped")
			return nil
		default:
		}
		if l.Tick() {
			l.pause(ctx, l.busySleep)
		} else {
			l.pause(ctx, l.idleSleep)
		}
	}
}

// Stop makes Run return after the current tick. Safe for concurrent use.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Loop) pause(ctx context.Context, d time.Duration) {
	if l.sleep != nil {
		l.sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.stopCh:
	case <-ctx.Done():
	}
}

// Tick runs one iteration: posted work and source drain, then (once the
// source is ready) socket poll, due timers, hooks in slot order and cron.
// It reports whether the poll saw socket activity.
func (l *Loop) Tick() bool {
	active := false
	l.guard("tick", func() { active = l.tick() })
	l.ticks.Add(1)
	if l.metrics != nil {
		l.metrics.TickDone(active, l.timers.Len())
	}
	return active
}

func (l *Loop) tick() bool {
	for n := len(l.inbox); n > 0; n-- {
		l.guard("post", <-l.inbox)
	}
	if l.source != nil {
		l.guard("source", func() {
			if err := l.source.Drain(); err != nil {
				l.log.Warn().Err(err).Msg("source drain failed")
			}
		})
		if !l.source.Ready() {
			return false
		}
	}

	active := false
	if l.mux != nil {
		l.guard("poll", func() {
			var err error
			active, err = l.mux.Poll()
			if err != nil {
				l.log.Error().Err(err).Msg("socket poll failed")
			}
		})
	}

	now := l.now()
	// a panicking timer is already removed; keep firing the rest of this
	// pass but nothing armed during it
	mark := l.timers.Mark()
	for {
		if l.guard("timers", func() { l.timers.TickUpTo(now, mark) }) {
			break
		}
	}

	l.hooks.Each(func(slot int, h Hook) {
		l.guardSlot(slot, h)
	})

	l.cron.Dispatch(now, func(j *Job, fn func()) {
		l.guardJob(j, fn)
	})
	return active
}

// guard runs fn and recovers a panic. It reports whether fn returned
// normally.
func (l *Loop) guard(phase string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.recovered(phase, r, func(e *zerolog.Event) *zerolog.Event { return e })
			ok = false
		}
	}()
	fn()
	return true
}

func (l *Loop) guardSlot(slot int, h Hook) {
	defer func() {
		if r := recover(); r != nil {
			l.recovered("hook", r, func(e *zerolog.Event) *zerolog.Event { return e.Int("slot", slot) })
		}
	}()
	h()
}

func (l *Loop) guardJob(j *Job, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.recovered("cron", r, func(e *zerolog.Event) *zerolog.Event { return e.Str("job", j.Name()) })
		}
	}()
	fn()
}

func (l *Loop) recovered(phase string, r any, ctx func(*zerolog.Event) *zerolog.Event) {
	l.panics.Add(1)
	ctx(l.log.Error()).
		Str("phase", phase).
		Uint64("tick", l.ticks.Load()).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("recovered panic in event loop")
	if l.metrics != nil {
		l.metrics.TickPanic(phase)
	}
}
