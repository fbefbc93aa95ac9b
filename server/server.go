//go:build unix

// File: server/server.go
// Package server implements the WebSocket relay endpoint of the bot: a
// non-blocking listener and per-connection state machines driven by the
// event loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bot/api"
	"github.com/momentics/hioload-bot/control"
	"github.com/momentics/hioload-bot/internal/concurrency"
	"github.com/momentics/hioload-bot/internal/ids"
	"github.com/momentics/hioload-bot/protocol"
	"github.com/momentics/hioload-bot/reactor"
	"github.com/momentics/hioload-bot/transport"
)

const (
	readChunk         = 32 << 10
	maxAcceptsPerPoll = 64
	defaultHandshake  = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("server already running")

// Server owns the listener and every live connection. Apart from the
// constructor and the debug probes, all methods must run on the loop
// goroutine.
type Server struct {
	cfg       control.ServerConfig
	loop      *concurrency.Loop
	handler   Handler
	upgrader  protocol.Upgrader
	tlsConfig *tls.Config

	ln        *transport.Listener
	lnWatch   *reactor.Watch
	conns     map[string]*Conn
	ids       *ids.Generator
	states    [stateCount]atomic.Int64
	scratch   []byte
	keepalive *concurrency.Job
	reaper    *concurrency.Job
	addr      atomic.Value

	log     zerolog.Logger
	metrics Metrics
	probes  *control.DebugProbes
}

// New builds a server for cfg on loop. The loop must have a multiplexer.
func New(cfg control.Config, loop *concurrency.Loop, handler Handler, opts ...Option) (*Server, error) {
	if loop == nil || loop.Mux() == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "server needs a loop with a multiplexer")
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	s := &Server{
		cfg:     cfg.Server,
		loop:    loop,
		handler: handler,
		conns:   make(map[string]*Conn),
		ids:     ids.NewGenerator(),
		scratch: make([]byte, readChunk),
		log:     zerolog.Nop(),
		metrics: nopMetrics{},
	}
	if s.cfg.HandshakeTimeout <= 0 {
		s.cfg.HandshakeTimeout = defaultHandshake
	}
	s.upgrader = protocol.Upgrader{
		Secret:          cfg.Server.Secret,
		Realm:           cfg.Bot.Name,
		Subprotocol:     cfg.Server.Subprotocol,
		ServerName:      cfg.Server.ServerName,
		MaxRequestBytes: cfg.Server.MaxHandshakeBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tlsConfig == nil && cfg.Server.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return nil, api.NewError(api.ErrCodeInvalidArgument, "load tls key pair").
				WithContext("cert", cfg.Server.TLS.CertFile).WithCause(err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	return s, nil
}

func (s *Server) mux() *reactor.Multiplexer { return s.loop.Mux() }

// Start binds the listener and registers it with the loop.
func (s *Server) Start() error {
	if s.ln != nil {
		return ErrAlreadyRunning
	}
	ln, err := transport.Listen(s.cfg.Listen)
	if err != nil {
		return err
	}
	w, err := s.mux().Register(ln.Fd(), reactor.InterestRead, s.onAcceptable)
	if err != nil {
		_ = ln.Close()
		return api.NewTransportError("watch listener", err)
	}
	s.ln, s.lnWatch = ln, w
	s.addr.Store(ln.Addr())

	cron := s.loop.Cron()
	if s.cfg.PingInterval > 0 {
		s.keepalive = cron.Every("keepalive", s.cfg.PingInterval, s.pingAll)
	}
	if s.cfg.IdleTimeout > 0 {
		s.reaper = cron.Every("idle-reaper", min(time.Second, s.cfg.IdleTimeout), s.reapIdle)
	}
	if s.probes != nil {
		s.registerProbes()
	}
	s.log.Info().Stringer("addr", ln.Addr()).Bool("tls", s.tlsConfig != nil).Msg("listening")
	return nil
}

// Stop closes every connection with 1001 and releases the listener.
func (s *Server) Stop() error {
	if s.ln == nil {
		return nil
	}
	cron := s.loop.Cron()
	cron.Cancel(s.keepalive)
	cron.Cancel(s.reaper)
	s.keepalive, s.reaper = nil, nil

	for _, c := range s.conns {
		c.closeWith(protocol.CloseGoingAway, "server shutdown", nil)
	}
	if err := s.mux().Unregister(s.lnWatch); err != nil {
		s.log.Debug().Err(err).Msg("unwatch listener")
	}
	err := s.ln.Close()
	s.ln, s.lnWatch = nil, nil
	if s.probes != nil {
		s.probes.UnregisterProbe("server.connections")
		s.probes.UnregisterProbe("server.listen")
	}
	s.log.Info().Msg("server stopped")
	return err
}

// Addr returns the bound address, or nil before Start. Safe for
// concurrent use.
func (s *Server) Addr() net.Addr {
	a, _ := s.addr.Load().(net.Addr)
	return a
}

// Conn looks up a live connection.
func (s *Server) Conn(id string) (*Conn, bool) {
	c, ok := s.conns[id]
	return c, ok
}

// Len returns the number of live connections in any state.
func (s *Server) Len() int { return len(s.conns) }

// Counts returns live connections per state. Safe for concurrent use.
func (s *Server) Counts() map[string]int64 {
	out := make(map[string]int64, int(StateClosed))
	for st := StateAccepted; st < StateClosed; st++ {
		out[st.String()] = s.states[st].Load()
	}
	return out
}

// Broadcast sends a message to every open connection subscribed to topic,
// or to all open connections when topic is empty. It returns how many
// connections took the message.
func (s *Server) Broadcast(topic string, opcode byte, payload []byte) int {
	sent := 0
	for _, c := range s.conns {
		if c.state != StateOpen || (topic != "" && !c.Subscribed(topic)) {
			continue
		}
		if err := c.Send(opcode, payload); err != nil {
			s.log.Debug().Err(err).Str("conn", c.id).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// SendTo sends a message to one connection.
func (s *Server) SendTo(id string, opcode byte, payload []byte) error {
	c, ok := s.conns[id]
	if !ok {
		return api.NewError(api.ErrCodeInvalidArgument, "unknown connection").WithContext("conn", id)
	}
	return c.Send(opcode, payload)
}

func (s *Server) onAcceptable(int, reactor.Interest) {
	for i := 0; i < maxAcceptsPerPoll; i++ {
		sock, err := s.ln.Accept()
		if err != nil {
			if !transport.IsWouldBlock(err) {
				s.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		c := newConn(s, sock)
		if err := c.start(); err != nil {
			s.log.Error().Err(err).Str("peer", c.peer).Msg("register connection")
			c.shutdown(api.NewTransportError("register", err))
			continue
		}
		s.conns[c.id] = c
		s.metrics.ConnOpened()
		s.log.Debug().Str("conn", c.id).Str("peer", c.peer).Msg("connection accepted")
	}
}

// forget drops a closed connection.
func (s *Server) forget(c *Conn) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	s.metrics.ConnClosed()
}

func (s *Server) pingAll() {
	for _, c := range s.conns {
		if c.state == StateOpen {
			_ = c.Ping(nil)
		}
	}
}

func (s *Server) reapIdle() {
	now := s.loop.Now()
	for _, c := range s.conns {
		if c.state != StateOpen || now.Sub(c.lastSeen) < s.cfg.IdleTimeout {
			continue
		}
		s.log.Info().Str("conn", c.id).Dur("idle", now.Sub(c.lastSeen)).Msg("closing idle connection")
		c.closeWith(protocol.CloseGoingAway, "idle timeout",
			api.NewTimeoutError("idle timeout").WithContext("conn", c.id))
	}
}

func (s *Server) registerProbes() {
	s.probes.RegisterProbe("server.connections", func() any { return s.Counts() })
	s.probes.RegisterProbe("server.listen", func() any {
		if a := s.Addr(); a != nil {
			return a.String()
		}
		return ""
	})
}
