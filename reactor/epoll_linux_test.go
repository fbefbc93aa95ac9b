//go:build linux

// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package reactor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-bot/reactor"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpoll_ReadinessRoundTrip(t *testing.T) {
	be, err := reactor.NewBackend()
	require.NoError(t, err)
	mux := reactor.NewMultiplexer(be)
	defer mux.Close()

	a, b := socketPair(t)

	var got reactor.Interest
	w, err := mux.Register(a, reactor.InterestRead, func(_ int, r reactor.Interest) { got |= r })
	require.NoError(t, err)

	active, err := mux.Poll()
	require.NoError(t, err)
	assert.False(t, active, "nothing written yet")

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	active, err = mux.Poll()
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, reactor.InterestRead, got)

	require.NoError(t, mux.Unregister(w))
	got = 0
	active, err = mux.Poll()
	require.NoError(t, err)
	assert.False(t, active)
	assert.Zero(t, got)
}

func TestEpoll_WritableImmediately(t *testing.T) {
	be, err := reactor.NewBackend()
	require.NoError(t, err)
	mux := reactor.NewMultiplexer(be)
	defer mux.Close()

	a, _ := socketPair(t)
	writable := false
	_, err = mux.Register(a, reactor.InterestWrite, func(_ int, r reactor.Interest) {
		writable = r&reactor.InterestWrite != 0
	})
	require.NoError(t, err)

	active, err := mux.Poll()
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, writable)
}

func TestEpoll_HangupReportsReadAndError(t *testing.T) {
	be, err := reactor.NewBackend()
	require.NoError(t, err)
	mux := reactor.NewMultiplexer(be)
	defer mux.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	var got reactor.Interest
	_, err = mux.Register(fds[0], reactor.InterestRead|reactor.InterestError, func(_ int, r reactor.Interest) { got |= r })
	require.NoError(t, err)

	require.NoError(t, unix.Close(fds[1]))
	_, err = mux.Poll()
	require.NoError(t, err)
	assert.NotZero(t, got&reactor.InterestRead, "peer close must look readable")
}
