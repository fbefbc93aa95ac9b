//go:build unix

// File: cmd/hioload-bot/hub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import "github.com/momentics/hioload-bot/server"

// relayHub breaks the construction cycle between the relay (the server's
// handler) and the server it broadcasts through.
type relayHub struct {
	srv *server.Server
}

func (h *relayHub) Broadcast(topic string, opcode byte, payload []byte) int {
	if h.srv == nil {
		return 0
	}
	return h.srv.Broadcast(topic, opcode, payload)
}
