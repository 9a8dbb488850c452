package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/config"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/metrics"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/session"
)

// MonitoringServer provides HTTP endpoints for health checks, session
// inspection, statistics and Prometheus metrics.
type MonitoringServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *session.Registry
	wsServer *WSServer
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewMonitoringServer creates the monitoring HTTP server.
func NewMonitoringServer(logger *slog.Logger, cfg *config.Config,
	registry *session.Registry, wsServer *WSServer, m *metrics.Metrics) *MonitoringServer {

	h := &MonitoringServer{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		wsServer:  wsServer,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Health.Address, cfg.Health.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *MonitoringServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/ready", h.withMetrics("/ready", h.handleReady))

	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.Handle("/metrics", promhttp.Handler())
}

// withMetrics wraps an HTTP handler with request metrics collection.
func (h *MonitoringServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, ww.statusCode, time.Since(startTime))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the monitoring server.
func (h *MonitoringServer) Start() error {
	h.logger.Info("Starting monitoring server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Monitoring server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the monitoring server.
func (h *MonitoringServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping monitoring server...")
	return h.server.Shutdown(ctx)
}

func (h *MonitoringServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.wsServer.GetStatistics()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":  "gemini-livewire-avatar",
			"model": h.config.Upstream.Model,
		},
		"components": map[string]any{
			"websocket_server": map[string]any{
				"status":               "running",
				"active_connections":   stats.ActiveConnections,
				"total_connections":    stats.TotalConnections,
				"rejected_connections": stats.RejectedConnections,
			},
			"session_registry": map[string]any{
				"status":          "running",
				"active_sessions": h.registry.Count(),
				"max_sessions":    h.config.Session.MaxSessions,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleReady reports whether the relay can serve sessions. Without an API
// key every upstream open would fail, so that counts as not ready.
func (h *MonitoringServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if h.config.Upstream.APIKey == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"ready":  false,
			"reason": "upstream API key not configured",
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{"ready": true})
}

func (h *MonitoringServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.Snapshot()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}

	response := map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *MonitoringServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}
	if !session.ValidateID(id) {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	sess, ok := h.registry.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Info())
}

func (h *MonitoringServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.wsServer.GetStatistics()

	response := map[string]any{
		"timestamp": time.Now().UTC(),
		"server": map[string]any{
			"uptime":               stats.Uptime.String(),
			"total_connections":    stats.TotalConnections,
			"active_connections":   stats.ActiveConnections,
			"rejected_connections": stats.RejectedConnections,
		},
		"sessions": map[string]any{
			"active": stats.ActiveSessions,
			"max":    h.config.Session.MaxSessions,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig exposes the running configuration with secrets removed.
func (h *MonitoringServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized := map[string]any{
		"server": map[string]any{
			"port":             h.config.Server.Port,
			"bind_address":     h.config.Server.BindAddress,
			"max_message_size": h.config.Server.MaxMessageSize,
			"ping_interval":    h.config.Server.PingInterval,
			"pong_timeout":     h.config.Server.PongTimeout,
		},
		"admission": map[string]any{
			"max_connections_per_window": h.config.Admission.MaxConnectionsPerWindow,
			"rate_window":                h.config.Admission.RateWindow,
			"max_concurrent_conns":       h.config.Admission.MaxConcurrentConns,
			"allowed_origins":            h.config.Admission.AllowedOrigins,
			"allow_no_origin":            h.config.Admission.AllowNoOrigin,
		},
		"session": map[string]any{
			"max_sessions":     h.config.Session.MaxSessions,
			"idle_timeout":     h.config.Session.IdleTimeout,
			"cleanup_interval": h.config.Session.CleanupInterval,
		},
		"upstream": map[string]any{
			"endpoint":         h.config.Upstream.Endpoint,
			"model":            h.config.Upstream.Model,
			"voice":            h.config.Upstream.Voice,
			"max_retries":      h.config.Upstream.MaxRetries,
			"api_key_set":      h.config.Upstream.APIKey != "",
			"preload_context":  h.config.Upstream.PreloadContext != "",
			"send_timeout":     h.config.Upstream.SendTimeout,
			"setup_timeout":    h.config.Upstream.SetupTimeout,
			"retry_base_delay": h.config.Upstream.RetryBaseDelay,
		},
		"limits": map[string]any{
			"max_audio_bytes": h.config.Limits.MaxAudioBytes,
			"max_image_bytes": h.config.Limits.MaxImageBytes,
			"max_text_chars":  h.config.Limits.MaxTextChars,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitized)
}
