// File: queue/queue.go
// Package queue implements the priority-tiered outbound packet queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queue keeps one FIFO per tier and hands out at most one item per GetNext,
// always from the highest non-empty tier and only when the throttle grants
// credit. It has a single drainer (the outbound pump on the loop goroutine)
// and is not safe for concurrent use.

package queue

import (
	"sort"
	"time"

	ring "github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bot/api"
)

// Standard tiers. Any other int is a valid tier too.
const (
	TierHigh   = 30
	TierMedium = 20
	TierLow    = 10
)

// Ensure compile-time interface compliance.
var _ api.Queue[[]byte] = (*Queue[[]byte])(nil)

// Metrics receives queue observations. control.Metrics implements it.
type Metrics interface {
	QueueDepth(n int)
	QueueThrottled(tier int)
	QueueEmitted(tier int)
}

type tier struct {
	value int
	items *ring.Queue
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	throttle Throttle
	now      func() time.Time
	log      zerolog.Logger
	metrics  Metrics
}

// WithThrottle sets the credit source. The default is Unlimited.
func WithThrottle(t Throttle) Option {
	return func(o *options) { o.throttle = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for backpressure traces.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics attaches queue metrics.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Queue is a rate-limited priority queue.
type Queue[T any] struct {
	tiers    []*tier // descending by value
	size     int
	disabled bool
	opts     options
}

// New creates an empty queue.
func New[T any](opts ...Option) *Queue[T] {
	o := options{throttle: Unlimited{}, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{opts: o}
}

func (q *Queue[T]) tierFor(value int) *tier {
	i := sort.Search(len(q.tiers), func(i int) bool { return q.tiers[i].value <= value })
	if i < len(q.tiers) && q.tiers[i].value == value {
		return q.tiers[i]
	}
	t := &tier{value: value, items: ring.New()}
	q.tiers = append(q.tiers, nil)
	copy(q.tiers[i+1:], q.tiers[i:])
	q.tiers[i] = t
	return t
}

// Push appends item to the FIFO of the given tier.
func (q *Queue[T]) Push(tierValue int, item T) {
	q.tierFor(tierValue).items.Add(item)
	q.size++
	q.depth()
}

// GetNext returns the oldest item of the highest non-empty tier when the
// throttle grants credit. When it does not, GetNext returns false even if
// lower tiers hold items.
func (q *Queue[T]) GetNext() (T, bool) {
	var zero T
	for _, t := range q.tiers {
		if t.items.Length() == 0 {
			continue
		}
		if !q.disabled && !q.opts.throttle.Allow(q.opts.now()) {
			q.opts.log.Trace().Int("tier", t.value).Int("size", q.size).Msg("send credit exhausted")
			if q.opts.metrics != nil {
				q.opts.metrics.QueueThrottled(t.value)
			}
			return zero, false
		}
		item := t.items.Remove().(T)
		q.size--
		if q.opts.metrics != nil {
			q.opts.metrics.QueueEmitted(t.value)
		}
		q.depth()
		return item, true
	}
	return zero, false
}

// Disable permanently bypasses the throttle.
func (q *Queue[T]) Disable() { q.disabled = true }

// Disabled reports whether throttling is bypassed.
func (q *Queue[T]) Disabled() bool { return q.disabled }

// Clear drops every queued item and returns how many were removed.
func (q *Queue[T]) Clear() int {
	n := q.size
	for _, t := range q.tiers {
		t.items = ring.New()
	}
	q.size = 0
	q.depth()
	return n
}

// Size returns the number of queued items across all tiers.
func (q *Queue[T]) Size() int { return q.size }

// TierSize returns the number of items queued in one tier.
func (q *Queue[T]) TierSize(tierValue int) int {
	for _, t := range q.tiers {
		if t.value == tierValue {
			return t.items.Length()
		}
	}
	return 0
}

func (q *Queue[T]) depth() {
	if q.opts.metrics != nil {
		q.opts.metrics.QueueDepth(q.size)
	}
}
