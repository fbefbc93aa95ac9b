// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor multiplexes socket readiness for the event loop. Callers
// register interest (read, write, error) per socket and receive callbacks
// when a non-blocking poll of the readiness backend reports it satisfied.
// The Linux backend is epoll.
package reactor
