//go:build unix

// File: transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-bot/api"
)

// Listener is a TCP listener whose Accept never blocks.
type Listener struct {
	ln  *net.TCPListener
	raw syscall.RawConn
	fd  int
}

// Listen binds addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, api.NewTransportError("listen", err).WithContext("addr", addr)
	}
	tl := ln.(*net.TCPListener)
	raw, err := tl.SyscallConn()
	if err != nil {
		_ = ln.Close()
		return nil, api.NewTransportError("syscall conn", err)
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		_ = ln.Close()
		return nil, api.NewTransportError("control", err)
	}
	return &Listener{ln: tl, raw: raw, fd: fd}, nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept takes one pending connection. It returns ErrWouldBlock when the
// accept queue is empty.
func (l *Listener) Accept() (*Conn, error) {
	var nfd int
	var serr error
	err := l.raw.Read(func(s uintptr) bool {
		for {
			nfd, serr = accept(int(s))
			if serr != unix.EINTR && serr != unix.ECONNABORTED {
				return true
			}
		}
	})
	if err != nil {
		return nil, api.NewTransportError("accept", err)
	}
	if serr == unix.EAGAIN {
		return nil, ErrWouldBlock
	}
	if serr != nil {
		return nil, api.NewTransportError("accept", serr)
	}

	f := os.NewFile(uintptr(nfd), "tcp-conn")
	nc, err := net.FileConn(f)
	// FileConn dups the descriptor
	_ = f.Close()
	if err != nil {
		return nil, api.NewTransportError("file conn", err)
	}
	return NewConn(nc)
}

// Close stops listening.
func (l *Listener) Close() error { return l.ln.Close() }
