//go:build !linux
// +build !linux

// File: reactor/backend_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub backend for unsupported platforms.

package reactor

import "errors"

// NewBackend returns an error for unsupported platforms.
func NewBackend() (Backend, error) {
	return nil, errors.New("reactor: this platform is not supported")
}
