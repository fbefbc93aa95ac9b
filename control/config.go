// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed configuration loaded from YAML, plus a thread-safe store that keeps
// the active snapshot and notifies listeners on reload.

package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SecretEnv overrides server.secret when set.
const SecretEnv = "HIOLOAD_BOT_SECRET"

// Queue algorithms.
const (
	AlgorithmFixedWindow = "fixed-window"
	AlgorithmLeakyBucket = "leaky-bucket"
)

// Config is the complete runtime configuration.
type Config struct {
	Bot     BotConfig     `yaml:"bot"`
	Server  ServerConfig  `yaml:"server"`
	Loop    LoopConfig    `yaml:"loop"`
	Queue   QueueConfig   `yaml:"queue"`
	Chat    ChatConfig    `yaml:"chat"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BotConfig identifies the bot.
type BotConfig struct {
	Name string `yaml:"name"`
}

// ServerConfig configures the WebSocket relay endpoint.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	Secret            string        `yaml:"secret"`
	Subprotocol       string        `yaml:"subprotocol"`
	ServerName        string        `yaml:"server_name"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	MaxHandshakeBytes int           `yaml:"max_handshake_bytes"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	InboundRate       float64       `yaml:"inbound_rate"`
	InboundBurst      int           `yaml:"inbound_burst"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig enables TLS when both files are set.
type TLSConfig struct {
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// LoopConfig paces the event loop.
type LoopConfig struct {
	IdleSleep time.Duration `yaml:"idle_sleep"`
	BusySleep time.Duration `yaml:"busy_sleep"`
	InboxSize int           `yaml:"inbox_size"`
	// CPU pins the loop thread to one logical CPU. -1 leaves it unpinned.
	CPU int `yaml:"cpu"`
}

// QueueConfig selects and tunes the outbound throttle.
type QueueConfig struct {
	Algorithm      string        `yaml:"algorithm"`
	Capacity       int           `yaml:"capacity"`
	RefillInterval time.Duration `yaml:"refill_interval"`
	CreditWindow   time.Duration `yaml:"credit_window"`
	Step           time.Duration `yaml:"step"`
	Disabled       bool          `yaml:"disabled"`
}

// ChatConfig points at the upstream chat service. An empty address runs
// the relay without an upstream.
type ChatConfig struct {
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the metrics and debug HTTP endpoint. Empty
// Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Bot: BotConfig{Name: "hioload-bot"},
		Server: ServerConfig{
			Listen:            "127.0.0.1:8765",
			ServerName:        "hioload-bot",
			HandshakeTimeout:  10 * time.Second,
			MaxHandshakeBytes: 1 << 20,
			PingInterval:      30 * time.Second,
			IdleTimeout:       90 * time.Second,
			InboundRate:       20,
			InboundBurst:      40,
		},
		Loop: LoopConfig{
			IdleSleep: 10 * time.Millisecond,
			BusySleep: 200 * time.Microsecond,
			InboxSize: 1024,
			CPU:       -1,
		},
		Queue: QueueConfig{
			Algorithm:      AlgorithmLeakyBucket,
			Capacity:       5,
			RefillInterval: time.Second,
			CreditWindow:   10 * time.Second,
			Step:           2 * time.Second,
		},
		Chat: ChatConfig{DialTimeout: 10 * time.Second},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path over the defaults, applies the environment
// override and validates the result.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes YAML from r over the defaults. Unknown keys are
// rejected.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("yaml decode: %w", err)
	}
	if s := os.Getenv(SecretEnv); s != "" {
		cfg.Server.Secret = s
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and required fields.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Bot.Name) == "" {
		errs = append(errs, errors.New("bot.name is required"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.Secret == "" {
		errs = append(errs, fmt.Errorf("server.secret is required (or set %s)", SecretEnv))
	}
	if c.Server.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("server.handshake_timeout must be positive"))
	}
	if c.Server.MaxHandshakeBytes <= 0 {
		errs = append(errs, errors.New("server.max_handshake_bytes must be positive"))
	}
	if c.Server.PingInterval < 0 || c.Server.IdleTimeout < 0 {
		errs = append(errs, errors.New("server.ping_interval and server.idle_timeout must not be negative"))
	}
	if c.Server.InboundRate < 0 || c.Server.InboundBurst < 0 {
		errs = append(errs, errors.New("server.inbound_rate and server.inbound_burst must not be negative"))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs both cert and key"))
	}
	if c.Loop.IdleSleep <= 0 || c.Loop.BusySleep <= 0 {
		errs = append(errs, errors.New("loop sleeps must be positive"))
	}
	if c.Loop.InboxSize <= 0 {
		errs = append(errs, errors.New("loop.inbox_size must be positive"))
	}
	if c.Loop.CPU < -1 {
		errs = append(errs, errors.New("loop.cpu must be -1 or a cpu index"))
	}
	switch c.Queue.Algorithm {
	case AlgorithmLeakyBucket:
		if c.Queue.Capacity < 1 || c.Queue.RefillInterval <= 0 {
			errs = append(errs, errors.New("leaky-bucket needs capacity >= 1 and a positive refill_interval"))
		}
	case AlgorithmFixedWindow:
		if c.Queue.Step <= 0 || c.Queue.CreditWindow < 0 {
			errs = append(errs, errors.New("fixed-window needs a positive step and a non-negative credit_window"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.algorithm %q is not %s or %s", c.Queue.Algorithm, AlgorithmFixedWindow, AlgorithmLeakyBucket))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// String renders the configuration as YAML with the secret redacted.
func (c Config) String() string {
	if c.Server.Secret != "" {
		c.Server.Secret = "[redacted]"
	}
	var b bytes.Buffer
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Sprintf("config(%v)", err)
	}
	_ = enc.Close()
	return b.String()
}

// ConfigStore holds the active configuration snapshot.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func(Config)
}

// NewConfigStore initializes the store with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// GetSnapshot returns the active configuration.
func (cs *ConfigStore) GetSnapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// SetConfig replaces the snapshot and runs every listener on the calling
// goroutine. Listeners that touch loop state must Post.
func (cs *ConfigStore) SetConfig(cfg Config) {
	cs.mu.Lock()
	cs.config = cfg
	listeners := append(([]func(Config))(nil), cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Reload loads path and, when valid, installs it.
func (cs *ConfigStore) Reload(path string) (Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return Config{}, err
	}
	cs.SetConfig(cfg)
	return cfg, nil
}

// OnReload registers a listener called after every SetConfig.
func (cs *ConfigStore) OnReload(fn func(Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
