package admission

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxConnectionsPerWindow: 3,
		RateWindow:              100 * time.Millisecond,
		SweepInterval:           time.Hour,
		MaxConcurrentConns:      2,
		AllowedOrigins:          []string{"https://app.example.com"},
		AllowNoOrigin:           false,
	}
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewController(logger, cfg)
	t.Cleanup(c.Stop)
	return c
}

func TestRateLimitThreshold(t *testing.T) {
	c := newTestController(t, testConfig())

	for i := 0; i < 3; i++ {
		if !c.AllowRate("10.0.0.1") {
			t.Fatalf("attempt %d rejected, want accepted", i+1)
		}
	}
	if c.AllowRate("10.0.0.1") {
		t.Fatal("attempt over threshold accepted, want rejected")
	}
}

func TestRateLimitWindowExpiry(t *testing.T) {
	c := newTestController(t, testConfig())

	for i := 0; i < 3; i++ {
		c.AllowRate("10.0.0.2")
	}
	if c.AllowRate("10.0.0.2") {
		t.Fatal("attempt over threshold accepted, want rejected")
	}

	time.Sleep(150 * time.Millisecond)

	if !c.AllowRate("10.0.0.2") {
		t.Fatal("attempt after window expiry rejected, want accepted")
	}
}

func TestRateLimitRecordsRejectedAttempts(t *testing.T) {
	c := newTestController(t, testConfig())

	// Fill the window, then keep hammering. The rejected attempts must
	// themselves count, so the client stays locked out while it retries.
	for i := 0; i < 6; i++ {
		c.AllowRate("10.0.0.3")
	}

	c.mu.Lock()
	recorded := len(c.attempts["10.0.0.3"])
	c.mu.Unlock()

	if recorded != 6 {
		t.Fatalf("recorded attempts = %d, want 6", recorded)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	c := newTestController(t, testConfig())

	for i := 0; i < 3; i++ {
		c.AllowRate("10.0.0.4")
	}
	if c.AllowRate("10.0.0.4") {
		t.Fatal("saturated IP accepted, want rejected")
	}
	if !c.AllowRate("10.0.0.5") {
		t.Fatal("fresh IP rejected, want accepted")
	}
}

func TestGateCapacity(t *testing.T) {
	c := newTestController(t, testConfig())

	if !c.TryAcquire() {
		t.Fatal("first acquire failed")
	}
	if !c.TryAcquire() {
		t.Fatal("second acquire failed")
	}
	if c.TryAcquire() {
		t.Fatal("acquire over capacity succeeded, want rejected")
	}

	c.Release()

	if !c.TryAcquire() {
		t.Fatal("acquire after release failed")
	}
	if got := c.ActiveConnections(); got != 2 {
		t.Fatalf("ActiveConnections() = %d, want 2", got)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name          string
		origin        string
		allowNoOrigin bool
		want          bool
	}{
		{"allowed origin", "https://app.example.com", false, true},
		{"unknown origin", "https://evil.example.com", false, false},
		{"missing origin rejected", "", false, false},
		{"missing origin with override", "", true, true},
		{"unknown origin despite override", "https://evil.example.com", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AllowNoOrigin = tt.allowNoOrigin
			c := newTestController(t, cfg)

			if got := c.CheckOrigin(tt.origin); got != tt.want {
				t.Errorf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestSweepRemovesStaleIPs(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.RateWindow = 30 * time.Millisecond
	c := newTestController(t, cfg)

	c.AllowRate("10.0.0.6")
	c.AllowRate("10.0.0.7")

	deadline := time.After(time.Second)
	for c.trackedIPs() > 0 {
		select {
		case <-deadline:
			t.Fatalf("sweep did not remove stale IPs, %d remain", c.trackedIPs())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
