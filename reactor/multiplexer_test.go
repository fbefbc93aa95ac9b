// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package reactor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bot/fake"
	"github.com/momentics/hioload-bot/reactor"
)

func noop(int, reactor.Interest) {}

func TestMultiplexer_RegisterMergesSameSocket(t *testing.T) {
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)

	_, err := mux.Register(5, reactor.InterestRead, noop)
	require.NoError(t, err)
	w, err := mux.Register(5, reactor.InterestWrite, noop)
	require.NoError(t, err)

	mask, ok := be.Mask(5)
	require.True(t, ok)
	assert.Equal(t, reactor.InterestRead|reactor.InterestWrite, mask)
	assert.Equal(t, []string{"add 5 read", "mod 5 read|write"}, be.Calls)
	assert.Equal(t, 2, mux.Watches())
	assert.Equal(t, 1, mux.Sockets())

	require.NoError(t, mux.Unregister(w))
	mask, _ = be.Mask(5)
	assert.Equal(t, reactor.InterestRead, mask, "only the bits of the removed watch go away")
}

func TestMultiplexer_UnregisterKeepsSharedBits(t *testing.T) {
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)

	a, err := mux.Register(7, reactor.InterestRead, noop)
	require.NoError(t, err)
	b, err := mux.Register(7, reactor.InterestRead|reactor.InterestError, noop)
	require.NoError(t, err)

	require.NoError(t, mux.Unregister(a))
	mask, ok := be.Mask(7)
	require.True(t, ok)
	assert.Equal(t, reactor.InterestRead|reactor.InterestError, mask)

	require.NoError(t, mux.Unregister(b))
	_, ok = be.Mask(7)
	assert.False(t, ok, "socket removed from backend once no bits remain")
}

func TestMultiplexer_UnregisterIsIdempotent(t *testing.T) {
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)

	w, err := mux.Register(3, reactor.InterestRead, noop)
	require.NoError(t, err)
	require.NoError(t, mux.Unregister(w))
	calls := len(be.Calls)
	require.NoError(t, mux.Unregister(w))
	require.NoError(t, mux.Unregister(nil))
	assert.Len(t, be.Calls, calls)
	assert.False(t, w.Active())
	assert.Equal(t, 0, mux.Watches())
}

func TestMultiplexer_RegisterValidation(t *testing.T) {
	mux := reactor.NewMultiplexer(fake.NewBackend())

	_, err := mux.Register(-1, reactor.InterestRead, noop)
	assert.ErrorIs(t, err, reactor.ErrInvalidFD)
	_, err = mux.Register(1, 0, noop)
	assert.ErrorIs(t, err, reactor.ErrEmptyMask)
	_, err = mux.Register(1, reactor.InterestRead, nil)
	assert.ErrorIs(t, err, reactor.ErrNilCallback)
}

func TestMultiplexer_PollDispatchesMatchingInterest(t *testing.T) {
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)

	var reads, writes []reactor.Interest
	_, err := mux.Register(9, reactor.InterestRead, func(_ int, r reactor.Interest) { reads = append(reads, r) })
	require.NoError(t, err)
	_, err = mux.Register(9, reactor.InterestWrite, func(_ int, r reactor.Interest) { writes = append(writes, r) })
	require.NoError(t, err)

	active, err := mux.Poll()
	require.NoError(t, err)
	assert.False(t, active)

	be.Fire(9, reactor.InterestWrite)
	active, err = mux.Poll()
	require.NoError(t, err)
	assert.True(t, active)
	assert.Empty(t, reads)
	assert.Equal(t, []reactor.Interest{reactor.InterestWrite}, writes)

	be.Fire(9, reactor.InterestRead|reactor.InterestWrite)
	_, err = mux.Poll()
	require.NoError(t, err)
	assert.Equal(t, []reactor.Interest{reactor.InterestRead}, reads)
	assert.Len(t, writes, 2)
}

func TestMultiplexer_CallbackMayUnregisterSibling(t *testing.T) {
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)

	var second *reactor.Watch
	calledSecond := false
	_, err := mux.Register(4, reactor.InterestRead, func(int, reactor.Interest) {
		require.NoError(t, mux.Unregister(second))
	})
	require.NoError(t, err)
	second, err = mux.Register(4, reactor.InterestRead, func(int, reactor.Interest) { calledSecond = true })
	require.NoError(t, err)

	be.Fire(4, reactor.InterestRead)
	_, err = mux.Poll()
	require.NoError(t, err)
	assert.False(t, calledSecond)
}

func TestMultiplexer_PanickingCallbackIsIsolated(t *testing.T) {
	be := fake.NewBackend()
	var panicked []int
	mux := reactor.NewMultiplexer(be, reactor.WithPanicHandler(func(fd int, _ any) { panicked = append(panicked, fd) }))

	ran := false
	_, err := mux.Register(1, reactor.InterestRead, func(int, reactor.Interest) { panic("boom") })
	require.NoError(t, err)
	_, err = mux.Register(2, reactor.InterestRead, func(int, reactor.Interest) { ran = true })
	require.NoError(t, err)

	be.Fire(1, reactor.InterestRead)
	be.Fire(2, reactor.InterestRead)
	assert.NotPanics(t, func() {
		_, err = mux.Poll()
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []int{1}, panicked)
}

func TestMultiplexer_Close(t *testing.T) {
	be := fake.NewBackend()
	mux := reactor.NewMultiplexer(be)
	w, err := mux.Register(1, reactor.InterestRead, noop)
	require.NoError(t, err)

	require.NoError(t, mux.Close())
	assert.True(t, be.Closed)
	assert.False(t, w.Active())
	require.NoError(t, mux.Unregister(w))

	_, err = mux.Register(1, reactor.InterestRead, noop)
	assert.ErrorIs(t, err, reactor.ErrClosed)
	_, err = mux.Poll()
	assert.ErrorIs(t, err, reactor.ErrClosed)
}

func TestInterest_String(t *testing.T) {
	assert.Equal(t, "none", reactor.Interest(0).String())
	assert.Equal(t, "read|error", (reactor.InterestRead | reactor.InterestError).String())
}
