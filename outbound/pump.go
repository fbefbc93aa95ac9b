// File: outbound/pump.go
// Package outbound drives the bot's connection to the chat service: it
// feeds inbound bytes to the protocol layer and drains the throttled
// packet queue onto the socket.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package outbound

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bot/api"
)

const (
	defaultReadBuffer = 16 << 10
	// Stop pulling from the queue while this many bytes are unsent.
	defaultHighWater = 64 << 10
)

// Ensure compile-time interface compliance.
var _ api.Source = (*Pump)(nil)

// Conn is the non-blocking stream the pump drives. Read returns a
// would-block error when nothing is buffered; Write only queues; Flush
// sends what the socket accepts and Pending reports the rest.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Pending() int
	Close() error
}

// PacketFunc receives inbound chat bytes. The slice is reused after the
// call returns.
type PacketFunc func(data []byte)

// Option configures a Pump.
type Option func(*Pump)

// WithLogger sets the pump logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pump) {
		p.log = log.With().Str("component", "outbound").Logger()
	}
}

// WithOnClose registers a callback run once when the connection fails or
// the peer closes it.
func WithOnClose(fn func(err error)) Option {
	return func(p *Pump) { p.onClose = fn }
}

// WithHighWater bounds the unsent bytes above which Drain stops taking
// packets from the queue.
func WithHighWater(n int) Option {
	return func(p *Pump) {
		if n > 0 {
			p.highWater = n
		}
	}
}

// Pump is the loop's Source. It is owned by the loop goroutine.
type Pump struct {
	conn      Conn
	queue     api.Queue[[]byte]
	onPacket  PacketFunc
	onClose   func(err error)
	isBlocked func(error) bool
	buf       []byte
	highWater int

	ready  bool
	closed bool
	err    error

	bytesIn, bytesOut uint64
	packetsOut        uint64

	log zerolog.Logger
}

// New creates a pump draining q. onPacket may be nil.
func New(q api.Queue[[]byte], onPacket PacketFunc, opts ...Option) *Pump {
	p := &Pump{
		queue:     q,
		onPacket:  onPacket,
		buf:       make([]byte, defaultReadBuffer),
		highWater: defaultHighWater,
		isBlocked: func(error) bool { return false },
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach sets the connection. isBlocked recognizes the would-block error of
// c.
func (p *Pump) Attach(c Conn, isBlocked func(error) bool) {
	p.conn = c
	if isBlocked != nil {
		p.isBlocked = isBlocked
	}
	p.closed, p.err = false, nil
}

// Ready reports whether the chat login finished.
func (p *Pump) Ready() bool { return p.ready }

// MarkReady is called by the protocol layer once the chat login is done.
// Queued packets are held until then.
func (p *Pump) MarkReady() {
	if !p.ready {
		p.log.Info().Msg("chat session ready")
	}
	p.ready = true
}

// Send queues a packet on tier.
func (p *Pump) Send(tier int, packet []byte) { p.queue.Push(tier, packet) }

// Closed reports whether the connection has failed or ended.
func (p *Pump) Closed() bool { return p.closed }

// Err returns the error that closed the pump, if any.
func (p *Pump) Err() error { return p.err }

// Stats returns byte and packet counters.
func (p *Pump) Stats() map[string]uint64 {
	return map[string]uint64{
		"bytes_received": p.bytesIn,
		"bytes_sent":     p.bytesOut,
		"packets_sent":   p.packetsOut,
		"queued":         uint64(p.queue.Size()),
	}
}

// Drain reads everything the socket has buffered, then writes queued
// packets while the throttle allows, then flushes. The first failure is
// returned once; later calls are no-ops.
func (p *Pump) Drain() error {
	if p.conn == nil || p.closed {
		return nil
	}
	for {
		n, err := p.conn.Read(p.buf)
		if n > 0 {
			p.bytesIn += uint64(n)
			if p.onPacket != nil {
				p.onPacket(p.buf[:n])
			}
		}
		if err != nil {
			if p.isBlocked(err) {
				break
			}
			return p.fail(api.NewTransportError("chat read", err))
		}
		if n == 0 {
			break
		}
	}
	if p.ready {
		for p.conn.Pending() < p.highWater {
			pkt, ok := p.queue.GetNext()
			if !ok {
				break
			}
			if _, err := p.conn.Write(pkt); err != nil {
				return p.fail(api.NewTransportError("chat write", err))
			}
			p.packetsOut++
		}
	}
	before := p.conn.Pending()
	if before == 0 {
		return nil
	}
	if err := p.conn.Flush(); err != nil {
		return p.fail(api.NewTransportError("chat flush", err))
	}
	p.bytesOut += uint64(before - p.conn.Pending())
	return nil
}

// Close shuts the connection down without running the close callback.
func (p *Pump) Close() error {
	if p.conn == nil || p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

func (p *Pump) fail(err error) error {
	p.closed = true
	p.err = err
	if cerr := p.conn.Close(); cerr != nil {
		p.log.Debug().Err(cerr).Msg("close chat connection")
	}
	p.log.Error().Err(err).Int("dropped_queued", p.queue.Size()).Msg("chat connection lost")
	if p.onClose != nil {
		p.onClose(err)
	}
	return err
}
