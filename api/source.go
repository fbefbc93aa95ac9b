// File: api/source.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Source is the chat-protocol transport drained at the start of every loop
// tick. Drain must never block.
type Source interface {
	// Drain consumes whatever inbound data is already buffered and flushes
	// pending outbound work.
	Drain() error

	// Ready reports whether the transport is past its initial handshake.
	// Socket polling, timers, hooks and periodic work run only when true.
	Ready() bool
}
