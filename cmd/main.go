// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package main runs the pinhole SFU relay server: a TCP control plane for
// session signaling and a shared UDP socket forwarding media datagrams
// between paired peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/RafeLoya/pinhole/examples/simple"
	"github.com/RafeLoya/pinhole/pkg/control"
	"github.com/RafeLoya/pinhole/pkg/health"
	"github.com/RafeLoya/pinhole/pkg/metrics"
	"github.com/RafeLoya/pinhole/pkg/monitor"
	"github.com/RafeLoya/pinhole/pkg/ratelimit"
	"github.com/RafeLoya/pinhole/pkg/relay"
	"github.com/RafeLoya/pinhole/pkg/session"
)

// Config holds the server configuration.
type Config struct {
	// Transport
	TCPAddress string `env:"TCP_ADDRESS" envDefault:":8080"`
	UDPAddress string `env:"UDP_ADDRESS" envDefault:":4433"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8081"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	LogFile     string `env:"LOG_FILE"     envDefault:""`
	LogMaxSize  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxAge   int    `env:"LOG_MAX_AGE_DAYS" envDefault:"7"`

	// Session lifecycle
	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT"  envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Resource limits
	MaxGoroutines int `env:"MAX_GOROUTINES" envDefault:"50000"`
	UDPBufferSize int `env:"UDP_BUFFER_SIZE" envDefault:"0"`

	// Rate limiting
	JoinRateCapacity   int64 `env:"JOIN_RATE_CAPACITY"   envDefault:"10"`
	JoinRateRefill     int64 `env:"JOIN_RATE_REFILL"     envDefault:"1"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"1000"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"100"`
}

func main() {
	cfg := Config{}
	// .env file is optional
	_ = godotenv.Load()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PINHOLE_"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	logger.Info("SFU server starting",
		slog.String("tcp_address", cfg.TCPAddress),
		slog.String("udp_address", cfg.UDPAddress),
		slog.Duration("session_timeout", cfg.SessionTimeout))

	m := metrics.New("pinhole")
	hub := monitor.NewHub(logger)
	defer hub.Close()

	// Handler chain: rate limiting → instrumentation → event feed → logging
	var h = &RateLimitedHandler{
		handler: &InstrumentedHandler{
			handler: monitor.NewEventHandler(simple.New(logger), hub),
			metrics: m,
		},
		perClientLimiter: ratelimit.NewLimiter(cfg.JoinRateCapacity, cfg.JoinRateRefill, 10000),
		globalLimiter:    ratelimit.NewTokenBucket(cfg.GlobalRateCapacity, cfg.GlobalRateRefill),
		metrics:          m,
		logger:           logger,
	}

	registry := session.NewRegistry(logger)

	controlServer := control.New(control.Config{
		Address:         cfg.TCPAddress,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         m,
	}, registry, h)

	relayServer := relay.New(relay.Config{
		Address:    cfg.UDPAddress,
		BufferSize: cfg.UDPBufferSize,
		Logger:     logger,
		Metrics:    m,
	}, registry, h)

	supervisor := session.NewSupervisor(registry, h, cfg.SessionTimeout, logger, m)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	healthChecker.Register("registry", func(ctx context.Context) error {
		// Exercises the registry lock; a wedged registry fails the probe.
		registry.SessionCount()
		return nil
	})
	healthChecker.Register("relay_socket", func(ctx context.Context) error {
		if relayServer.Addr() == nil {
			return errors.New("relay socket not bound")
		}
		return nil
	})
	healthChecker.Register("control_listener", func(ctx context.Context) error {
		if controlServer.Addr() == nil {
			return errors.New("control listener not bound")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return controlServer.Listen(ctx)
	})
	g.Go(func() error {
		return relayServer.Listen(ctx)
	})
	g.Go(func() error {
		return supervisor.Run(ctx)
	})
	g.Go(func() error {
		return runMetricsServer(ctx, cfg.MetricsPort, logger)
	})
	g.Go(func() error {
		return runOpsServer(ctx, cfg.HealthPort, healthChecker, hub, logger)
	})
	g.Go(func() error {
		return sampleGauges(ctx, registry, m)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(fmt.Sprintf("SFU server terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("SFU server stopped")
}

// setupLogger builds the slog logger from config. With LOG_FILE set,
// output goes through lumberjack for rotation (one rotating log per
// deployment, as the original file logger did).
func setupLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  cfg.LogMaxSize,
			MaxAge:   cfg.LogMaxAge,
			Compress: true,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(h)
}

// runMetricsServer serves Prometheus metrics until the context is done.
func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", slog.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runOpsServer serves health probes and the monitor WebSocket feed.
func runOpsServer(ctx context.Context, port int, checker *health.Checker, hub *monitor.Hub, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.HTTPHandler())
	mux.HandleFunc("/livez", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/ws", hub.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ops server started", slog.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sampleGauges periodically mirrors registry counts into Prometheus gauges.
func sampleGauges(ctx context.Context, registry *session.Registry, m *metrics.Metrics) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SessionsActive.Set(float64(registry.SessionCount()))
			m.SessionsWaiting.Set(float64(registry.WaitingCount()))
		}
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
