package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/admission"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/config"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/metrics"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/server"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/session"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/upstream"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "gemini-livewire-avatar"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary without sensitive data
	logger.Info("Configuration loaded",
		slog.Int("ws_port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_connections", cfg.Admission.MaxConcurrentConns),
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.String("model", cfg.Upstream.Model),
		slog.String("voice", cfg.Upstream.Voice),
		slog.Bool("api_key_set", cfg.Upstream.APIKey != ""),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.New(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	registry := session.NewRegistry(logger, cfg.Session.MaxSessions,
		cfg.Session.GetIdleTimeout(), cfg.Session.GetCleanupInterval())
	registry.SetEvictionHook(appMetrics.RecordSessionEvicted)
	logger.Info("Session registry initialized",
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
	)

	upstreamClient := upstream.NewClient(logger, upstream.Config{
		APIKey:            cfg.Upstream.APIKey,
		Endpoint:          cfg.Upstream.Endpoint,
		Model:             cfg.Upstream.Model,
		Voice:             cfg.Upstream.Voice,
		SystemInstruction: cfg.Upstream.SystemInstruction,
		MaxRetries:        cfg.Upstream.MaxRetries,
		RetryBaseDelay:    cfg.Upstream.GetRetryBaseDelay(),
		SendTimeout:       cfg.Upstream.GetSendTimeout(),
		SetupTimeout:      cfg.Upstream.GetSetupTimeout(),
	})
	logger.Info("Upstream client initialized",
		slog.String("model", cfg.Upstream.Model),
		slog.String("voice", cfg.Upstream.Voice),
	)

	admissionCtrl := admission.NewController(logger, admission.Config{
		MaxConnectionsPerWindow: cfg.Admission.MaxConnectionsPerWindow,
		RateWindow:              cfg.Admission.GetRateWindow(),
		SweepInterval:           cfg.Admission.GetSweepInterval(),
		MaxConcurrentConns:      cfg.Admission.MaxConcurrentConns,
		AllowedOrigins:          cfg.Admission.AllowedOrigins,
		AllowNoOrigin:           cfg.Admission.AllowNoOrigin,
	})
	logger.Info("Admission controller initialized",
		slog.Int("rate_threshold", cfg.Admission.MaxConnectionsPerWindow),
		slog.Duration("rate_window", cfg.Admission.GetRateWindow()),
		slog.Int("allowed_origins", len(cfg.Admission.AllowedOrigins)),
	)

	wsServer := server.NewWSServer(logger, cfg, appMetrics, registry, admissionCtrl, upstreamClient)
	logger.Info("WebSocket server initialized")

	var monServer *server.MonitoringServer
	if cfg.Health.Enabled {
		monServer = server.NewMonitoringServer(logger, cfg, registry, wsServer, appMetrics)
		logger.Info("Monitoring server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.Health.Address, cfg.Health.Port)),
		)
	}

	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if monServer != nil {
		if err := monServer.Start(); err != nil {
			logger.Error("Failed to start monitoring server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop the monitoring server first, then drain the client side
	if monServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := monServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping monitoring server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	wsCtx, wsCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := wsServer.Stop(wsCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}
	wsCancel()

	admissionCtrl.Stop()
	registry.Stop()

	stats := wsServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("total_connections", stats.TotalConnections),
		slog.Uint64("rejected_connections", stats.RejectedConnections),
		slog.Duration("uptime", stats.Uptime),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
