// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package control_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bot/control"
)

const sampleConfig = `
bot:
  name: relay-1
server:
  listen: 127.0.0.1:9000
  secret: s3cret
  subprotocol: chat.v1
  handshake_timeout: 5s
  ping_interval: 15s
queue:
  algorithm: fixed-window
  credit_window: 10s
  step: 2s
log:
  level: debug
  format: console
`

func TestParseConfig_OverDefaults(t *testing.T) {
	t.Setenv(control.SecretEnv, "")
	cfg, err := control.ParseConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "relay-1", cfg.Bot.Name)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, "chat.v1", cfg.Server.Subprotocol)
	assert.Equal(t, 5*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, control.AlgorithmFixedWindow, cfg.Queue.Algorithm)
	assert.Equal(t, 2*time.Second, cfg.Queue.Step)

	def := control.DefaultConfig()
	assert.Equal(t, def.Loop, cfg.Loop, "unset sections keep defaults")
	assert.Equal(t, def.Server.IdleTimeout, cfg.Server.IdleTimeout)
}

func TestParseConfig_UnknownKeyRejected(t *testing.T) {
	_, err := control.ParseConfig(strings.NewReader("server:\n  secret: x\n  listne: :1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listne")
}

func TestParseConfig_SecretFromEnvironment(t *testing.T) {
	t.Setenv(control.SecretEnv, "from-env")
	cfg, err := control.ParseConfig(strings.NewReader("bot:\n  name: b\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.Secret)
}

func TestParseConfig_MissingSecret(t *testing.T) {
	t.Setenv(control.SecretEnv, "")
	_, err := control.ParseConfig(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.secret")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.Server.Secret = "x"
	cfg.Queue.Algorithm = "token"
	cfg.Log.Format = "xml"
	cfg.Loop.InboxSize = 0
	cfg.Server.TLS.CertFile = "cert.pem"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"queue.algorithm", "log.format", "loop.inbox_size", "server.tls"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfig_StringRedactsSecret(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.Server.Secret = "hunter2"
	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "[redacted]")
	assert.Equal(t, "hunter2", cfg.Server.Secret, "String must not mutate the receiver")
}

func TestConfigStore_ReloadNotifies(t *testing.T) {
	t.Setenv(control.SecretEnv, "")
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	store := control.NewConfigStore(control.DefaultConfig())
	var seen []string
	store.OnReload(func(c control.Config) { seen = append(seen, c.Bot.Name) })

	cfg, err := store.Reload(path)
	require.NoError(t, err)
	assert.Equal(t, "relay-1", cfg.Bot.Name)
	assert.Equal(t, "relay-1", store.GetSnapshot().Bot.Name)
	assert.Equal(t, []string{"relay-1"}, seen)

	require.NoError(t, os.WriteFile(path, []byte("bot: [\n"), 0o600))
	_, err = store.Reload(path)
	require.Error(t, err)
	assert.Equal(t, "relay-1", store.GetSnapshot().Bot.Name, "failed reload keeps the old snapshot")
	assert.Len(t, seen, 1)
}
