//go:build unix

// File: outbound/dial_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package outbound

import (
	"context"

	"github.com/momentics/hioload-bot/transport"
)

// Dial connects to the chat service at addr and attaches the socket in
// non-blocking mode. It blocks until connected or ctx ends, so call it
// before the loop starts or from a helper goroutine.
func (p *Pump) Dial(ctx context.Context, addr string) error {
	c, err := transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	p.Attach(c, transport.IsWouldBlock)
	p.log.Info().Str("addr", addr).Msg("connected to chat service")
	return nil
}
