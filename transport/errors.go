// File: transport/errors.go
// Package transport wraps TCP sockets for use from a single event loop:
// reads never block, writes are buffered and flushed on writability, and
// listeners accept without blocking.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net"
)

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "transport: operation would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

// ErrWouldBlock is returned when a socket has no data or no accept queue
// entry. It is a temporary net.Error so that crypto/tls keeps its partial
// record state and the next Read resumes it.
var ErrWouldBlock net.Error = wouldBlock{}

// IsWouldBlock reports whether err is ErrWouldBlock.
func IsWouldBlock(err error) bool { return errors.Is(err, ErrWouldBlock) }
