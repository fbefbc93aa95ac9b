//go:build unix

// File: transport/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn reads and writes the descriptor of a net.Conn directly with
// non-blocking system calls, bypassing the runtime poller, so an external
// readiness loop can drive it.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-bot/api"
)

// Conn is a non-blocking socket. It implements net.Conn so it can sit
// under crypto/tls. Not safe for concurrent use.
type Conn struct {
	nc       net.Conn
	raw      syscall.RawConn
	fd       int
	out      []byte
	blocking bool
	closed   bool
}

// Ensure compile-time interface compliance.
var _ net.Conn = (*Conn)(nil)

// NewConn wraps nc, which must expose its descriptor (TCP or unix socket).
func NewConn(nc net.Conn) (*Conn, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return nil, api.NewError(api.ErrCodeNotSupported, "connection has no descriptor").
			WithContext("type", fmt.Sprintf("%T", nc))
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, api.NewTransportError("syscall conn", err)
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return nil, api.NewTransportError("control", err)
	}
	return &Conn{nc: nc, raw: raw, fd: fd}, nil
}

// Dial connects to addr over TCP and returns a non-blocking Conn.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, api.NewTransportError("dial", err).WithContext("addr", addr)
	}
	c, err := NewConn(nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// Fd returns the socket descriptor for readiness registration.
func (c *Conn) Fd() int { return c.fd }

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn { return c.nc }

// SetBlocking switches between loop mode (false) and plain blocking I/O
// through the runtime poller (true), used while a helper goroutine runs the
// TLS handshake.
func (c *Conn) SetBlocking(b bool) { c.blocking = b }

// Read reads what is available. It returns ErrWouldBlock when nothing is,
// and io.EOF once the peer has closed.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, api.ErrTransportClosed
	}
	if c.blocking {
		return c.nc.Read(p)
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var serr error
	err := c.raw.Read(func(fd uintptr) bool {
		for {
			n, serr = unix.Read(int(fd), p)
			if serr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	switch {
	case serr == unix.EAGAIN:
		return 0, ErrWouldBlock
	case serr != nil:
		return 0, serr
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write queues p. In loop mode nothing is sent until Flush.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, api.ErrTransportClosed
	}
	if c.blocking {
		return c.nc.Write(p)
	}
	c.out = append(c.out, p...)
	return len(p), nil
}

// Flush writes queued bytes until the socket would block. Pending reports
// what is left.
func (c *Conn) Flush() error {
	if c.closed {
		return api.ErrTransportClosed
	}
	for len(c.out) > 0 {
		if c.blocking {
			n, err := c.nc.Write(c.out)
			c.consume(n)
			if err != nil {
				return err
			}
			continue
		}
		var n int
		var serr error
		err := c.raw.Write(func(fd uintptr) bool {
			for {
				n, serr = unix.Write(int(fd), c.out)
				if serr != unix.EINTR {
					return true
				}
			}
		})
		if err != nil {
			return err
		}
		if serr == unix.EAGAIN {
			return nil
		}
		if serr != nil {
			return serr
		}
		c.consume(n)
	}
	return nil
}

func (c *Conn) consume(n int) {
	if n <= 0 {
		return
	}
	rest := copy(c.out, c.out[n:])
	c.out = c.out[:rest]
}

// Pending returns the number of queued bytes not yet written.
func (c *Conn) Pending() int { return len(c.out) }

// Close closes the socket and drops queued bytes. Idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.out = nil
	if err := c.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed }

func (c *Conn) LocalAddr() net.Addr                { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.nc.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.nc.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.nc.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }
