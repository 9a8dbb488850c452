package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/admission"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/config"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/metrics"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/session"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Upstream.APIKey = "test-key"
	cfg.Admission.AllowedOrigins = []string{"https://app.example.com"}
	return cfg
}

// stubDialer hands out stub handles without touching the network.
type stubDialer struct {
	err error
}

func (d *stubDialer) Open(ctx context.Context) (upstream.Handle, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &stubHandle{closed: make(chan struct{})}, nil
}

type stubHandle struct {
	closed chan struct{}
}

func (h *stubHandle) Send(ctx context.Context, p upstream.Payload, endOfTurn bool) error {
	return nil
}

func (h *stubHandle) SendToolResponse(ctx context.Context, responses []upstream.ToolResponse) error {
	return nil
}

func (h *stubHandle) Receive(ctx context.Context) (<-chan upstream.Event, error) {
	select {
	case <-h.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *stubHandle) Close() error {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
	return nil
}

type wsHarness struct {
	ws   *WSServer
	http *httptest.Server
}

func startWSHarness(t *testing.T, cfg *config.Config, dialer *stubDialer) *wsHarness {
	t.Helper()

	logger := testLogger()
	m := metrics.New(prometheus.NewRegistry())
	registry := session.NewRegistry(logger, cfg.Session.MaxSessions,
		cfg.Session.GetIdleTimeout(), cfg.Session.GetCleanupInterval())
	t.Cleanup(registry.Stop)

	adm := admission.NewController(logger, admission.Config{
		MaxConnectionsPerWindow: cfg.Admission.MaxConnectionsPerWindow,
		RateWindow:              cfg.Admission.GetRateWindow(),
		SweepInterval:           cfg.Admission.GetSweepInterval(),
		MaxConcurrentConns:      cfg.Admission.MaxConcurrentConns,
		AllowedOrigins:          cfg.Admission.AllowedOrigins,
		AllowNoOrigin:           cfg.Admission.AllowNoOrigin,
	})
	t.Cleanup(adm.Stop)

	ws := NewWSServer(logger, cfg, m, registry, adm, dialer)

	srv := httptest.NewServer(http.HandlerFunc(ws.handleWS))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ws.Stop(ctx)
	})

	return &wsHarness{ws: ws, http: srv}
}

func (h *wsHarness) dial(t *testing.T, origin string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

// expectPolicyClose reads until the server closes with 1008 and returns the
// close reason.
func expectPolicyClose(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read error = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
	return closeErr.Text
}

func TestRejectsUnknownOrigin(t *testing.T) {
	h := startWSHarness(t, testConfig(), &stubDialer{})

	conn, err := h.dial(t, "https://evil.example.com")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	reason := expectPolicyClose(t, conn)
	if reason != string(admission.RejectBadOrigin) {
		t.Fatalf("close reason = %q, want %q", reason, admission.RejectBadOrigin)
	}
}

func TestRejectsMissingOrigin(t *testing.T) {
	h := startWSHarness(t, testConfig(), &stubDialer{})

	conn, err := h.dial(t, "")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	expectPolicyClose(t, conn)
}

func TestAllowsMissingOriginWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.AllowNoOrigin = true
	h := startWSHarness(t, cfg, &stubDialer{})

	conn, err := h.dial(t, "")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(raw), `"ready"`) {
		t.Fatalf("first message = %s, want ready", raw)
	}
}

func TestSessionReachesReady(t *testing.T) {
	h := startWSHarness(t, testConfig(), &stubDialer{})

	conn, err := h.dial(t, "https://app.example.com")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg := string(raw)
	if !strings.Contains(msg, `"ready"`) || !strings.Contains(msg, "session_id") {
		t.Fatalf("first message = %s, want ready with session_id", msg)
	}

	stats := h.ws.GetStatistics()
	if stats.TotalConnections != 1 || stats.ActiveConnections != 1 {
		t.Fatalf("stats = %+v, want one active connection", stats)
	}
}

func TestRejectsWhenRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.MaxConnectionsPerWindow = 1
	h := startWSHarness(t, cfg, &stubDialer{})

	first, err := h.dial(t, "https://app.example.com")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("first connection did not come up: %v", err)
	}

	second, err := h.dial(t, "https://app.example.com")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	reason := expectPolicyClose(t, second)
	if reason != string(admission.RejectRateLimited) {
		t.Fatalf("close reason = %q, want %q", reason, admission.RejectRateLimited)
	}
}

func TestRejectsOverCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.MaxConcurrentConns = 1
	h := startWSHarness(t, cfg, &stubDialer{})

	first, err := h.dial(t, "https://app.example.com")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("first connection did not come up: %v", err)
	}

	second, err := h.dial(t, "https://app.example.com")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	reason := expectPolicyClose(t, second)
	if reason != string(admission.RejectCapacity) {
		t.Fatalf("close reason = %q, want %q", reason, admission.RejectCapacity)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.10:54321", "192.0.2.10"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"unix-socket", "unix-socket"},
	}
	for _, tt := range tests {
		if got := clientIP(tt.remote); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
