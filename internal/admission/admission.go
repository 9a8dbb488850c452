package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RejectionReason distinguishes why a connection was refused.
type RejectionReason string

const (
	RejectRateLimited RejectionReason = "rate limit exceeded"
	RejectCapacity    RejectionReason = "server at capacity"
	RejectBadOrigin   RejectionReason = "unauthorized origin"
)

// Config contains admission control parameters.
type Config struct {
	MaxConnectionsPerWindow int
	RateWindow              time.Duration
	SweepInterval           time.Duration
	MaxConcurrentConns      int
	AllowedOrigins          []string
	AllowNoOrigin           bool
}

// Controller performs all pre-session connection checks: per-IP rate
// limiting, a global concurrency cap, and origin validation. All three run
// before any session is created; the first failure wins.
type Controller struct {
	logger *slog.Logger

	// Per-IP sliding window of connection attempt timestamps
	window    time.Duration
	threshold int
	attempts  map[string][]time.Time
	mu        sync.Mutex

	// Counting gate for concurrent connections
	gate chan struct{}

	allowedOrigins map[string]bool
	allowNoOrigin  bool

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewController creates an admission controller and starts the rate-limiter sweep loop.
func NewController(logger *slog.Logger, cfg Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		origins[origin] = true
	}

	c := &Controller{
		logger:         logger,
		window:         cfg.RateWindow,
		threshold:      cfg.MaxConnectionsPerWindow,
		attempts:       make(map[string][]time.Time),
		gate:           make(chan struct{}, cfg.MaxConcurrentConns),
		allowedOrigins: origins,
		allowNoOrigin:  cfg.AllowNoOrigin,
		ctx:            ctx,
		cancel:         cancel,
		cleanup:        make(chan struct{}),
	}

	go c.startSweepLoop(cfg.SweepInterval)

	return c
}

// AllowRate checks the per-IP sliding window and records this attempt.
// The attempt is recorded even when the decision is a reject, so a burst
// cannot retry its way back under the threshold inside one window.
func (c *Controller) AllowRate(ip string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	recent := c.attempts[ip][:0]
	for _, t := range c.attempts[ip] {
		if now.Sub(t) < c.window {
			recent = append(recent, t)
		}
	}

	allowed := len(recent) < c.threshold
	c.attempts[ip] = append(recent, now)

	if !allowed {
		c.logger.Warn("Rate limit exceeded",
			slog.String("ip", ip),
			slog.Int("attempts_in_window", len(recent)),
			slog.Int("threshold", c.threshold),
		)
	}

	return allowed
}

// TryAcquire claims a concurrency slot. Connections beyond capacity are
// rejected immediately, never queued. Every successful acquire must be
// paired with exactly one Release.
func (c *Controller) TryAcquire() bool {
	select {
	case c.gate <- struct{}{}:
		return true
	default:
		c.logger.Warn("Connection cap reached, rejecting connection",
			slog.Int("max_concurrent", cap(c.gate)),
		)
		return false
	}
}

// Release returns a concurrency slot to the gate.
func (c *Controller) Release() {
	select {
	case <-c.gate:
	default:
		// Unpaired release indicates a caller bug; keep the gate consistent.
		c.logger.Error("Release called without matching acquire")
	}
}

// ActiveConnections returns the number of currently held concurrency slots.
func (c *Controller) ActiveConnections() int {
	return len(c.gate)
}

// Capacity returns the concurrent-connection cap.
func (c *Controller) Capacity() int {
	return cap(c.gate)
}

// CheckOrigin validates the Origin header value. It fails closed: a missing
// header is rejected unless the no-origin override is configured, and any
// origin outside the allow-list is rejected.
func (c *Controller) CheckOrigin(origin string) bool {
	if origin == "" {
		if c.allowNoOrigin {
			c.logger.Warn("No Origin header, allowing (allow_no_origin enabled)")
			return true
		}
		c.logger.Warn("No Origin header, rejecting connection")
		return false
	}

	if !c.allowedOrigins[origin] {
		c.logger.Warn("Rejected connection from unauthorized origin",
			slog.String("origin", origin),
		)
		return false
	}

	return true
}

// Stop cancels the sweep loop and waits for it to finish.
func (c *Controller) Stop() {
	c.cancel()
	<-c.cleanup
}

// startSweepLoop periodically drops IPs with no attempts inside the window,
// bounding the rate limiter's memory.
func (c *Controller) startSweepLoop(interval time.Duration) {
	defer close(c.cleanup)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Rate limiter sweep loop started",
		slog.Duration("sweep_interval", interval),
		slog.Duration("rate_window", c.window),
	)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("Rate limiter sweep loop stopping")
			return

		case <-ticker.C:
			c.sweepStaleEntries()
		}
	}
}

// sweepStaleEntries removes IPs whose every recorded attempt is older than the window.
func (c *Controller) sweepStaleEntries() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ip, attempts := range c.attempts {
		stale := true
		for _, t := range attempts {
			if now.Sub(t) < c.window {
				stale = false
				break
			}
		}
		if stale {
			delete(c.attempts, ip)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("Swept stale rate limiter entries",
			slog.Int("removed", removed),
			slog.Int("remaining", len(c.attempts)),
		)
	}
}

// trackedIPs returns the number of IPs currently held by the rate limiter.
func (c *Controller) trackedIPs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}
