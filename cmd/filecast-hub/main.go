package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/filecast/filecast/internal/config"
	"github.com/filecast/filecast/internal/httpserver"
	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/metrics"
	"github.com/filecast/filecast/internal/ratelimit"
	"github.com/filecast/filecast/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting filecast-hub",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_devices", cfg.MaxDevices,
		"messages_per_window", cfg.MessagesPerWindow,
		"rate_window", cfg.RateWindow,
		"max_connections_per_addr", cfg.MaxConnectionsPerAddr,
		"inactivity_timeout", cfg.InactivityTimeout,
		"trust_proxy_headers", cfg.TrustProxyHeaders,
	)

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	clock := ratelimit.RealClock{}
	registry := hub.New(hub.Config{
		MaxDevices:    cfg.MaxDevices,
		MaxNameLength: cfg.MaxNameLength,
		DefaultName:   cfg.DefaultDeviceName,
		Clock:         clock,
		Logger:        logger,
		Metrics:       m,
	})
	messages := ratelimit.NewMessageLimiter(clock, cfg.MessagesPerWindow, cfg.RateWindow)

	sig := signaling.NewServer(signaling.Config{
		Registry:       registry,
		Messages:       messages,
		Connections:    ratelimit.NewConnectionLimiter(cfg.MaxConnectionsPerAddr),
		Metrics:        m,
		Logger:         logger,
		Clock:          clock,
		AllowedOrigins: cfg.AllowedOrigins,

		MaxMessageBytes:         cfg.MaxSignalingMessageBytes,
		MaxFramesPerSecond:      cfg.MaxFramesPerSecond,
		PingInterval:            cfg.WSPingInterval,
		IdleTimeout:             cfg.WSIdleTimeout,
		InactivityTimeout:       cfg.InactivityTimeout,
		InactivitySweepInterval: cfg.InactivitySweepInterval,
		RateSweepInterval:       cfg.RateSweepInterval,
		TrustProxyHeaders:       cfg.TrustProxyHeaders,
	})

	srv := httpserver.New(httpserver.Options{
		Config:   cfg,
		Logger:   logger,
		Build:    httpserver.BuildInfo{Commit: commit, BuildTime: buildTime},
		Services: []httpserver.Service{sig},
		Devices:  registry.Len,
		Metrics: metrics.PrometheusHandler(m,
			metrics.Gauge{
				Name:  "filecast_hub_devices",
				Help:  "Currently joined devices.",
				Value: func() float64 { return float64(registry.Len()) },
			},
			metrics.Gauge{
				Name:  "filecast_hub_rate_limited_identities",
				Help:  "Devices with a live message rate window.",
				Value: func() float64 { return float64(messages.Tracked()) },
			},
		),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sig.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked /ws connections are not tracked by http.Server; close them
	// first so Shutdown does not wait on them.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
