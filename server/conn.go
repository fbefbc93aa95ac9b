//go:build unix

// File: server/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn is the server side of one WebSocket connection, driven entirely by
// readiness callbacks and timers on the loop goroutine.

package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/momentics/hioload-bot/api"
	"github.com/momentics/hioload-bot/internal/concurrency"
	"github.com/momentics/hioload-bot/protocol"
	"github.com/momentics/hioload-bot/reactor"
	"github.com/momentics/hioload-bot/transport"
)

// State is the connection lifecycle position.
type State int

const (
	StateAccepted State = iota
	StateTLSHandshake
	StateAwaitingUpgrade
	StateOpen
	StateClosed
	stateCount
)

var stateNames = [stateCount]string{"accepted", "tls_handshake", "awaiting_upgrade", "open", "closed"}

func (s State) String() string {
	if s < 0 || s >= stateCount {
		return "unknown"
	}
	return stateNames[s]
}

// Conn is one client connection. Not safe for concurrent use; every method
// must run on the loop goroutine.
type Conn struct {
	srv  *Server
	sock *transport.Conn
	tlsc *tls.Conn
	rw   io.ReadWriter
	id   string
	peer string

	state      State
	readWatch  *reactor.Watch
	writeWatch *reactor.Watch
	watchdog   *concurrency.Timer

	rbuf     []byte
	frame    []byte
	asm      *protocol.Assembler
	limiter  *rate.Limiter
	request  *protocol.Request
	subproto string
	topics   map[string]struct{}

	accepted time.Time
	lastSeen time.Time
	err      error

	bytesIn, bytesOut   uint64
	framesIn, framesOut uint64
	dropped             uint64
}

func newConn(s *Server, sock *transport.Conn) *Conn {
	now := s.loop.Now()
	peer := "unknown"
	if addr := sock.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	c := &Conn{
		srv:      s,
		sock:     sock,
		rw:       sock,
		id:       s.ids.ConnID(peer, now),
		peer:     peer,
		state:    StateAccepted,
		asm:      protocol.NewAssembler(protocol.MaxMessageSize),
		topics:   make(map[string]struct{}),
		accepted: now,
		lastSeen: now,
	}
	if s.cfg.InboundRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.InboundRate), max(s.cfg.InboundBurst, 1))
	}
	s.states[StateAccepted].Add(1)
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Peer returns the remote address.
func (c *Conn) Peer() string { return c.peer }

// State returns the lifecycle state.
func (c *Conn) State() State { return c.state }

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error { return c.err }

// Subprotocol returns the negotiated sub-protocol or "".
func (c *Conn) Subprotocol() string { return c.subproto }

// Target returns the request target of the upgrade request.
func (c *Conn) Target() string {
	if c.request == nil {
		return ""
	}
	return c.request.Target
}

// Header returns an upgrade request header by case-insensitive name.
func (c *Conn) Header(name string) string {
	if c.request == nil {
		return ""
	}
	return c.request.Get(name)
}

// LastSeen returns the time of the last inbound frame.
func (c *Conn) LastSeen() time.Time { return c.lastSeen }

// Subscribe replaces the topic set.
func (c *Conn) Subscribe(topics ...string) {
	clear(c.topics)
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
}

// Subscribed reports whether the connection listens on topic.
func (c *Conn) Subscribed(topic string) bool {
	_, ok := c.topics[topic]
	return ok
}

// Topics returns the subscribed topics in order.
func (c *Conn) Topics() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stats returns traffic counters.
func (c *Conn) Stats() map[string]uint64 {
	return map[string]uint64{
		"bytes_received":  c.bytesIn,
		"bytes_sent":      c.bytesOut,
		"frames_received": c.framesIn,
		"frames_sent":     c.framesOut,
		"dropped":         c.dropped,
	}
}

// Send writes one text or binary message.
func (c *Conn) Send(opcode byte, payload []byte) error {
	if opcode != protocol.OpcodeText && opcode != protocol.OpcodeBinary {
		return api.NewError(api.ErrCodeInvalidArgument, "send accepts text or binary").
			WithContext("opcode", opcode)
	}
	if c.state != StateOpen {
		return api.ErrTransportClosed
	}
	if !c.sendFrame(opcode, payload) {
		return api.NewTransportError("send", c.err)
	}
	return nil
}

// Ping sends a ping frame.
func (c *Conn) Ping(payload []byte) error {
	if c.state != StateOpen {
		return api.ErrTransportClosed
	}
	if !c.sendFrame(protocol.OpcodePing, payload) {
		return api.ErrTransportClosed
	}
	return nil
}

// Close sends a normal close frame when open and releases the connection.
// Idempotent.
func (c *Conn) Close() {
	c.closeWith(protocol.CloseNormalClosure, "", nil)
}

func (c *Conn) setState(next State) {
	c.srv.states[c.state].Add(-1)
	c.state = next
	if next != StateClosed {
		c.srv.states[next].Add(1)
	}
}

// start waits for the first writability and arms the handshake watchdog.
func (c *Conn) start() error {
	w, err := c.srv.mux().Register(c.sock.Fd(), reactor.InterestWrite, c.onWritable)
	if err != nil {
		return err
	}
	c.writeWatch = w
	c.watchdog = c.srv.loop.Timers().Schedule(c.srv.cfg.HandshakeTimeout, c.onWatchdog)
	return nil
}

func (c *Conn) onWatchdog() {
	c.watchdog = nil
	c.srv.metrics.HandshakeResult(http.StatusRequestTimeout)
	c.srv.log.Warn().Str("conn", c.id).Str("peer", c.peer).Stringer("state", c.state).
		Msg("handshake timed out")
	c.shutdown(api.NewTimeoutError("handshake timed out").WithContext("conn", c.id))
}

func (c *Conn) onWritable(int, reactor.Interest) {
	switch c.state {
	case StateAccepted:
		c.unwatchWrite()
		if c.srv.tlsConfig != nil {
			c.startTLS()
			return
		}
		c.awaitUpgrade()
	case StateAwaitingUpgrade, StateOpen:
		c.flush()
	}
}

// startTLS runs the server handshake on a helper goroutine with the socket
// in blocking mode; crypto/tls cannot resume a handshake after a would-block
// error. The outcome comes back through Post.
func (c *Conn) startTLS() {
	c.setState(StateTLSHandshake)
	tc := tls.Server(c.sock, c.srv.tlsConfig)
	c.sock.SetBlocking(true)
	nc := c.sock.NetConn()
	deadline := time.Now().Add(c.srv.cfg.HandshakeTimeout)
	loop := c.srv.loop
	go func() {
		_ = nc.SetDeadline(deadline)
		err := tc.Handshake()
		_ = nc.SetDeadline(time.Time{})
		if !loop.Post(func() { c.tlsDone(tc, err) }) {
			_ = nc.Close()
		}
	}()
}

func (c *Conn) tlsDone(tc *tls.Conn, err error) {
	if c.state != StateTLSHandshake {
		// closed while the helper was running
		_ = c.sock.Close()
		return
	}
	c.sock.SetBlocking(false)
	if err != nil {
		c.srv.log.Warn().Err(err).Str("conn", c.id).Str("peer", c.peer).Msg("tls handshake failed")
		c.shutdown(api.NewTransportError("tls handshake", err))
		return
	}
	c.tlsc = tc
	c.rw = tc
	c.awaitUpgrade()
}

func (c *Conn) awaitUpgrade() {
	c.setState(StateAwaitingUpgrade)
	w, err := c.srv.mux().Register(c.sock.Fd(), reactor.InterestRead, c.onReadable)
	if err != nil {
		c.shutdown(api.NewTransportError("watch read", err))
		return
	}
	c.readWatch = w
	if c.tlsc != nil {
		// the TLS layer may already hold application data
		c.onReadable(c.sock.Fd(), reactor.InterestRead)
	}
}

func (c *Conn) onReadable(int, reactor.Interest) {
	buf := c.srv.scratch
	for c.state == StateAwaitingUpgrade || c.state == StateOpen {
		n, err := c.rw.Read(buf)
		if n > 0 {
			c.bytesIn += uint64(n)
			c.rbuf = append(c.rbuf, buf[:n]...)
			c.process()
		}
		if err != nil {
			if !transport.IsWouldBlock(err) {
				c.shutdown(api.NewTransportError("read", err).WithContext("conn", c.id))
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func (c *Conn) consume(n int) {
	c.rbuf = c.rbuf[:copy(c.rbuf, c.rbuf[n:])]
}

func (c *Conn) process() {
	if c.state == StateAwaitingUpgrade && !c.upgrade() {
		return
	}
	for c.state == StateOpen {
		f, n, err := protocol.DecodeFrame(c.rbuf, protocol.MaxMessageSize)
		if err != nil {
			c.violation(err)
			return
		}
		if f == nil {
			return
		}
		c.consume(n)
		c.framesIn++
		c.lastSeen = c.srv.loop.Now()
		c.srv.metrics.FrameIn(protocol.OpcodeName(f.Opcode))
		if !f.Masked {
			c.violation(&protocol.CloseError{Code: protocol.CloseProtocolError, Reason: "unmasked client frame"})
			return
		}
		msg, err := c.asm.Push(f)
		if err != nil {
			c.violation(err)
			return
		}
		if msg != nil {
			c.dispatch(msg)
		}
	}
}

// upgrade validates the buffered request head. It reports whether the
// connection is now open.
func (c *Conn) upgrade() bool {
	acc, n, err := c.srv.upgrader.Negotiate(c.rbuf)
	if err != nil {
		var rej *protocol.Rejection
		if errors.As(err, &rej) {
			c.reject(rej)
		} else {
			c.shutdown(api.NewProtocolError(err.Error()))
		}
		return false
	}
	if acc == nil {
		return false
	}
	c.consume(n)
	c.request = acc.Request
	c.subproto = acc.Subprotocol
	if c.watchdog != nil {
		c.srv.loop.Timers().Abort(c.watchdog)
		c.watchdog = nil
	}
	if !c.write(acc.Response) {
		return false
	}
	c.setState(StateOpen)
	c.lastSeen = c.srv.loop.Now()
	c.srv.metrics.HandshakeResult(http.StatusSwitchingProtocols)
	c.srv.log.Info().Str("conn", c.id).Str("peer", c.peer).Str("target", acc.Request.Target).
		Str("subprotocol", c.subproto).Msg("connection upgraded")
	c.srv.handler.OnOpen(c)
	return c.state == StateOpen
}

func (c *Conn) reject(rej *protocol.Rejection) {
	c.srv.metrics.HandshakeResult(rej.Status)
	var err error
	ev := c.srv.log.Warn()
	if rej.Status == http.StatusUnauthorized {
		err = api.NewAuthError(rej.Reason).WithCause(rej)
		ev = c.srv.log.Error()
	} else {
		err = api.NewProtocolError(rej.Reason).WithCause(rej).WithContext("status", rej.Status)
	}
	ev.Str("conn", c.id).Str("peer", c.peer).Int("status", rej.Status).Str("reason", rej.Reason).
		Msg("handshake rejected")
	c.write(rej.Response(c.srv.cfg.ServerName))
	c.shutdown(err)
}

func (c *Conn) dispatch(msg *protocol.Message) {
	switch msg.Opcode {
	case protocol.OpcodePing:
		c.sendFrame(protocol.OpcodePong, msg.Payload)
	case protocol.OpcodePong:
	case protocol.OpcodeClose:
		if len(msg.Payload) == 0 {
			c.closeWith(protocol.CloseNormalClosure, "", nil)
			return
		}
		code, _ := protocol.ParseClosePayload(msg.Payload)
		if len(msg.Payload) < 2 || !protocol.ValidReceivedCloseCode(code) {
			c.violation(&protocol.CloseError{Code: protocol.CloseProtocolError, Reason: "invalid close code"})
			return
		}
		c.closeWith(code, "", nil)
	default:
		if c.limiter != nil && !c.limiter.AllowN(c.srv.loop.Now(), 1) {
			c.dropped++
			c.srv.metrics.InboundDropped()
			c.srv.log.Debug().Str("conn", c.id).Int("bytes", len(msg.Payload)).Msg("inbound message over rate, dropped")
			return
		}
		c.srv.handler.OnMessage(c, msg.Opcode, msg.Payload)
	}
}

func (c *Conn) violation(err error) {
	var ce *protocol.CloseError
	if errors.As(err, &ce) {
		c.srv.log.Warn().Str("conn", c.id).Int("code", ce.Code).Str("reason", ce.Reason).Msg("protocol violation")
		c.closeWith(ce.Code, ce.Reason, api.NewProtocolError(ce.Reason).WithContext("close_code", ce.Code))
		return
	}
	c.shutdown(api.NewProtocolError(err.Error()))
}

func (c *Conn) closeWith(code int, reason string, err error) {
	if c.state == StateOpen {
		c.sendFrame(protocol.OpcodeClose, protocol.ClosePayload(code, reason))
	}
	c.shutdown(err)
}

func (c *Conn) sendFrame(opcode byte, payload []byte) bool {
	c.frame = protocol.AppendFrame(c.frame[:0], opcode, payload)
	if !c.write(c.frame) {
		return false
	}
	c.framesOut++
	c.srv.metrics.FrameOut(protocol.OpcodeName(opcode))
	return true
}

// write queues p and flushes what the socket takes now.
func (c *Conn) write(p []byte) bool {
	if c.state == StateClosed {
		return false
	}
	if _, err := c.rw.Write(p); err != nil {
		c.shutdown(api.NewTransportError("write", err).WithContext("conn", c.id))
		return false
	}
	c.bytesOut += uint64(len(p))
	return c.flush()
}

// flush writes queued bytes and keeps a write watch only while bytes remain.
func (c *Conn) flush() bool {
	if err := c.sock.Flush(); err != nil {
		c.shutdown(api.NewTransportError("flush", err).WithContext("conn", c.id))
		return false
	}
	pending := c.sock.Pending() > 0
	switch {
	case pending && c.writeWatch == nil:
		w, err := c.srv.mux().Register(c.sock.Fd(), reactor.InterestWrite, c.onWritable)
		if err != nil {
			c.shutdown(api.NewTransportError("watch write", err))
			return false
		}
		c.writeWatch = w
	case !pending && c.writeWatch != nil:
		c.unwatchWrite()
	}
	return true
}

func (c *Conn) unwatchWrite() {
	if err := c.srv.mux().Unregister(c.writeWatch); err != nil {
		c.srv.log.Debug().Err(err).Str("conn", c.id).Msg("unwatch write")
	}
	c.writeWatch = nil
}

// shutdown releases watches, the watchdog and the socket, and tells the
// owner. Idempotent.
func (c *Conn) shutdown(err error) {
	if c.state == StateClosed {
		return
	}
	prev := c.state
	c.setState(StateClosed)
	c.err = err

	mux := c.srv.mux()
	if uerr := mux.Unregister(c.readWatch); uerr != nil {
		c.srv.log.Debug().Err(uerr).Str("conn", c.id).Msg("unwatch read")
	}
	c.readWatch = nil
	c.unwatchWrite()
	if c.watchdog != nil {
		c.srv.loop.Timers().Abort(c.watchdog)
		c.watchdog = nil
	}
	if prev == StateTLSHandshake {
		// the helper goroutine owns the socket until tlsDone
		_ = c.sock.NetConn().Close()
	} else if cerr := c.sock.Close(); cerr != nil {
		c.srv.log.Debug().Err(cerr).Str("conn", c.id).Msg("close socket")
	}
	c.rbuf = nil
	c.srv.forget(c)

	ev := c.srv.log.Debug()
	if prev == StateOpen {
		ev = c.srv.log.Info()
	}
	ev.Err(err).Str("conn", c.id).Str("peer", c.peer).Stringer("from", prev).Msg("connection closed")
	if prev == StateOpen {
		c.srv.handler.OnClose(c, err)
	}
}
