//go:build unix

// File: internal/relay/handler_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import "github.com/momentics/hioload-bot/server"

// Ensure compile-time interface compliance.
var _ server.Handler = (*Relay)(nil)

func (r *Relay) OnOpen(c *server.Conn) { r.Join(c) }

func (r *Relay) OnMessage(c *server.Conn, opcode byte, payload []byte) {
	r.Message(c, opcode, payload)
}

func (r *Relay) OnClose(c *server.Conn, err error) { r.Leave(c, err) }
