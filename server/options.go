//go:build unix

// File: server/options.go
// Package server defines functional options for the relay Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bot/control"
)

// Option customizes server initialization.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log.With().Str("component", "server").Logger()
	}
}

// WithMetrics attaches connection metrics.
func WithMetrics(m Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithProbes registers the server debug probes on dp.
func WithProbes(dp *control.DebugProbes) Option {
	return func(s *Server) { s.probes = dp }
}

// WithTLSConfig enables TLS with cfg, overriding any certificate files in
// the server configuration.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}
