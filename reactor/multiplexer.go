// File: reactor/multiplexer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Multiplexer merges per-call watches on the same socket into one backend
// registration and dispatches readiness to the matching callbacks.

package reactor

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// maxEvents bounds the readiness batch fetched by one Poll.
const maxEvents = 128

// Watch is the handle returned by Register. It owns the interest bits it
// installed and nothing else.
type Watch struct {
	id     uint64
	fd     int
	mask   Interest
	cb     Callback
	active bool
}

// Fd returns the watched descriptor.
func (w *Watch) Fd() int { return w.fd }

// Mask returns the interest installed by this watch.
func (w *Watch) Mask() Interest { return w.mask }

// Active reports whether the watch is still registered.
func (w *Watch) Active() bool { return w.active }

// socketState aggregates every active watch on one descriptor.
type socketState struct {
	counts  [interestBits]int // per-bit install count
	mask    Interest          // mask currently installed in the backend
	watches []*Watch
}

func (s *socketState) merged() Interest {
	var m Interest
	for bit := 0; bit < interestBits; bit++ {
		if s.counts[bit] > 0 {
			m |= 1 << bit
		}
	}
	return m
}

// Option customizes a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger used for callback failures.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Multiplexer) { m.log = log }
}

// WithPanicHandler observes callbacks that panicked, after they are logged.
func WithPanicHandler(fn func(fd int, recovered any)) Option {
	return func(m *Multiplexer) { m.onPanic = fn }
}

// Multiplexer registers socket interest against a Backend. It is owned by
// the loop goroutine and is not safe for concurrent use.
type Multiplexer struct {
	backend Backend
	sockets map[int]*socketState
	events  []Event
	nextID  uint64
	watches int
	closed  bool
	log     zerolog.Logger
	onPanic func(fd int, recovered any)
}

// NewMultiplexer wraps backend.
func NewMultiplexer(backend Backend, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		backend: backend,
		sockets: make(map[int]*socketState),
		events:  make([]Event, maxEvents),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs a watch for mask on fd. Bits already watched on fd by
// other watches are shared; the backend sees the union.
func (m *Multiplexer) Register(fd int, mask Interest, cb Callback) (*Watch, error) {
	switch {
	case m.closed:
		return nil, ErrClosed
	case fd < 0:
		return nil, ErrInvalidFD
	case mask == 0:
		return nil, ErrEmptyMask
	case cb == nil:
		return nil, ErrNilCallback
	}

	st, existed := m.sockets[fd]
	if !existed {
		st = &socketState{}
	}
	for bit := 0; bit < interestBits; bit++ {
		if mask&(1<<bit) != 0 {
			st.counts[bit]++
		}
	}
	want := st.merged()

	var err error
	switch {
	case !existed:
		err = m.backend.Add(fd, want)
	case want != st.mask:
		err = m.backend.Modify(fd, want)
	}
	if err != nil {
		// roll back the counts so a failed call installs nothing
		for bit := 0; bit < interestBits; bit++ {
			if mask&(1<<bit) != 0 {
				st.counts[bit]--
			}
		}
		return nil, fmt.Errorf("reactor: register fd %d (%s): %w", fd, mask, err)
	}

	m.nextID++
	w := &Watch{id: m.nextID, fd: fd, mask: mask, cb: cb, active: true}
	st.mask = want
	st.watches = append(st.watches, w)
	m.sockets[fd] = st
	m.watches++
	return w, nil
}

// Unregister removes exactly the interest bits installed by w. Calling it
// twice, or with nil, is a no-op.
func (m *Multiplexer) Unregister(w *Watch) error {
	if w == nil || !w.active {
		return nil
	}
	w.active = false
	m.watches--

	st, ok := m.sockets[w.fd]
	if !ok {
		return nil
	}
	for i, other := range st.watches {
		if other == w {
			st.watches = append(st.watches[:i], st.watches[i+1:]...)
			break
		}
	}
	for bit := 0; bit < interestBits; bit++ {
		if w.mask&(1<<bit) != 0 && st.counts[bit] > 0 {
			st.counts[bit]--
		}
	}

	want := st.merged()
	if want == 0 || len(st.watches) == 0 {
		delete(m.sockets, w.fd)
		if m.closed {
			return nil
		}
		if err := m.backend.Remove(w.fd); err != nil {
			return fmt.Errorf("reactor: unregister fd %d: %w", w.fd, err)
		}
		return nil
	}
	if want != st.mask && !m.closed {
		st.mask = want
		if err := m.backend.Modify(w.fd, want); err != nil {
			return fmt.Errorf("reactor: narrow fd %d to %s: %w", w.fd, want, err)
		}
	}
	return nil
}

// Poll performs a non-blocking readiness check and runs the callbacks of
// every satisfied watch. It reports whether any callback ran.
func (m *Multiplexer) Poll() (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	if len(m.sockets) == 0 {
		return false, nil
	}
	n, err := m.backend.Wait(m.events, 0)
	if err != nil {
		return false, fmt.Errorf("reactor: wait: %w", err)
	}

	active := false
	for i := 0; i < n; i++ {
		ev := m.events[i]
		st, ok := m.sockets[ev.Fd]
		if !ok {
			continue
		}
		// snapshot: callbacks may register or unregister watches
		watches := append([]*Watch(nil), st.watches...)
		for _, w := range watches {
			if !w.active {
				continue
			}
			ready := ev.Ready & w.mask
			if ready == 0 {
				continue
			}
			active = true
			m.dispatch(w, ready)
		}
	}
	return active, nil
}

func (m *Multiplexer) dispatch(w *Watch, ready Interest) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Int("fd", w.fd).
				Stringer("ready", ready).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("socket callback panicked")
			if m.onPanic != nil {
				m.onPanic(w.fd, r)
			}
		}
	}()
	w.cb(w.fd, ready)
}

// Watches returns the number of active watches.
func (m *Multiplexer) Watches() int { return m.watches }

// Sockets returns the number of descriptors registered with the backend.
func (m *Multiplexer) Sockets() int { return len(m.sockets) }

// Close releases the backend. Outstanding watches become inert.
func (m *Multiplexer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for _, st := range m.sockets {
		for _, w := range st.watches {
			w.active = false
		}
	}
	m.sockets = make(map[int]*socketState)
	m.watches = 0
	return m.backend.Close()
}
