//go:build unix

// File: cmd/hioload-bot/main.go
// Package main runs the chat relay bot: a WebSocket endpoint and an
// optional chat service connection driven by one event loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bot/affinity"
	"github.com/momentics/hioload-bot/api"
	"github.com/momentics/hioload-bot/control"
	"github.com/momentics/hioload-bot/internal/concurrency"
	"github.com/momentics/hioload-bot/internal/relay"
	"github.com/momentics/hioload-bot/outbound"
	"github.com/momentics/hioload-bot/queue"
	"github.com/momentics/hioload-bot/reactor"
	"github.com/momentics/hioload-bot/server"
)

const statsInterval = time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hioload-bot: %v\n", err)
		os.Exit(2)
	}
	if *printConfig {
		fmt.Print(cfg.String())
		return
	}
	if err := run(cfg, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "hioload-bot: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (control.Config, error) {
	if path == "" {
		cfg := control.DefaultConfig()
		if s := os.Getenv(control.SecretEnv); s != "" {
			cfg.Server.Secret = s
		}
		return cfg, cfg.Validate()
	}
	return control.LoadConfig(path)
}

func run(cfg control.Config, configPath string) error {
	base, err := control.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	// Levels are enforced globally so a reload can lower them.
	level, _ := control.ParseLevel(cfg.Log.Level)
	zerolog.SetGlobalLevel(level)
	log := base.Level(zerolog.TraceLevel).With().Str("bot", cfg.Bot.Name).Logger()

	metrics := control.NewMetrics(prometheus.DefaultRegisterer)
	if err := metrics.Register(); err != nil {
		return err
	}
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)

	backend, err := reactor.NewBackend()
	if err != nil {
		return err
	}
	mux := reactor.NewMultiplexer(backend, reactor.WithLogger(log))
	defer mux.Close()

	loop := concurrency.NewLoop(mux,
		concurrency.WithLogger(log),
		concurrency.WithMetrics(metrics),
		concurrency.WithPacing(cfg.Loop.IdleSleep, cfg.Loop.BusySleep),
		concurrency.WithInboxSize(cfg.Loop.InboxSize),
	)

	q := queue.New[[]byte](
		queue.WithThrottle(newThrottle(cfg.Queue)),
		queue.WithLogger(log),
		queue.WithMetrics(metrics),
	)
	if cfg.Queue.Disabled {
		q.Disable()
	}

	// Without a chat service, client messages stay local.
	var upstream api.Queue[[]byte]
	if cfg.Chat.Address != "" {
		upstream = q
	}
	var hub relayHub
	rl := relay.New(&hub, upstream, log)

	srv, err := server.New(cfg, loop, rl,
		server.WithLogger(log),
		server.WithMetrics(metrics),
		server.WithProbes(probes),
	)
	if err != nil {
		return err
	}
	hub.srv = srv

	var pump *outbound.Pump
	if upstream != nil {
		pump = outbound.New(q, rl.FromChat,
			outbound.WithLogger(log),
			outbound.WithOnClose(func(err error) {
				log.Error().Err(err).Msg("chat service gone, stopping")
				loop.Stop()
			}),
		)
		dialCtx, cancel := context.WithTimeout(context.Background(), cfg.Chat.DialTimeout)
		err := pump.Dial(dialCtx, cfg.Chat.Address)
		cancel()
		if err != nil {
			return err
		}
		defer pump.Close()
		pump.MarkReady()
		loop.SetSource(pump)
	}

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	var snapshot atomic.Value
	snapshot.Store(map[string]any{})
	loop.Cron().Every("stats", statsInterval, func() {
		s := map[string]any{
			"relay":       rl.Stats(),
			"queue_depth": q.Size(),
			"watches":     mux.Watches(),
		}
		if pump != nil {
			s["chat"] = pump.Stats()
		}
		snapshot.Store(s)
	})
	probes.RegisterProbe("bot.stats", func() any { return snapshot.Load() })
	probes.RegisterProbe("loop.ticks", func() any { return loop.Ticks() })
	probes.RegisterProbe("loop.panics", func() any { return loop.Panics() })
	probes.RegisterProbe("loop.pending_posts", func() any { return loop.Pending() })

	store := control.NewConfigStore(cfg)
	store.OnReload(func(next control.Config) {
		lvl, err := control.ParseLevel(next.Log.Level)
		if err != nil {
			return
		}
		loop.Post(func() {
			zerolog.SetGlobalLevel(lvl)
			log.Info().Str("level", lvl.String()).Msg("log level reloaded")
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpSrv *http.Server
	if cfg.Metrics.Listen != "" {
		httpSrv = serveMetrics(cfg.Metrics.Listen, probes, log)
		defer shutdownHTTP(httpSrv, log)
	}

	if configPath != "" {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if _, err := store.Reload(configPath); err != nil {
						log.Error().Err(err).Str("path", configPath).Msg("config reload failed")
					}
				}
			}
		}()
	}

	if cfg.Loop.CPU >= 0 {
		if err := affinity.Pin(cfg.Loop.CPU); err != nil {
			log.Warn().Err(err).Int("cpu", cfg.Loop.CPU).Msg("loop left unpinned")
		} else {
			defer affinity.Unpin()
		}
	}
	log.Info().Str("listen", srv.Addr().String()).Str("chat", cfg.Chat.Address).Msg("bot started")
	err = loop.Run(ctx)
	log.Info().Uint64("ticks", loop.Ticks()).Uint64("panics", loop.Panics()).Msg("bot stopped")
	return err
}

func newThrottle(cfg control.QueueConfig) queue.Throttle {
	if cfg.Algorithm == control.AlgorithmFixedWindow {
		return queue.NewFixedWindow(cfg.CreditWindow, cfg.Step)
	}
	return queue.NewLeakyBucket(cfg.Capacity, cfg.RefillInterval)
}

func serveMetrics(addr string, probes *control.DebugProbes, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/state", probes.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	return srv
}

func shutdownHTTP(srv *http.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("metrics endpoint shutdown")
	}
}
