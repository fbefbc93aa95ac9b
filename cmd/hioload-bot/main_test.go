//go:build unix

// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bot/control"
	"github.com/momentics/hioload-bot/queue"
)

func TestNewThrottle(t *testing.T) {
	cfg := control.DefaultConfig().Queue
	lb, ok := newThrottle(cfg).(*queue.LeakyBucket)
	require.True(t, ok)
	assert.Equal(t, cfg.Capacity, lb.Capacity())

	cfg.Algorithm = control.AlgorithmFixedWindow
	_, ok = newThrottle(cfg).(*queue.FixedWindow)
	assert.True(t, ok)
}

func TestLoadConfig_DefaultsNeedSecret(t *testing.T) {
	t.Setenv(control.SecretEnv, "")
	_, err := loadConfig("")
	assert.Error(t, err)

	t.Setenv(control.SecretEnv, "s3cret")
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Server.Secret)
	assert.Equal(t, 10*time.Second, cfg.Server.HandshakeTimeout)
}

func TestRelayHub_BeforeServer(t *testing.T) {
	var h relayHub
	assert.Zero(t, h.Broadcast("chat", 1, []byte("x")))
}
