package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testClientConfig() Config {
	return Config{
		APIKey:         "test-key",
		Endpoint:       "wss://example.invalid/live",
		Model:          "models/gemini-2.0-flash-live-001",
		Voice:          "Puck",
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		SendTimeout:    time.Second,
		SetupTimeout:   time.Second,
	}
}

func newTestClient(cfg Config) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(logger, cfg)
}

type stubHandle struct {
	Handle
}

func TestOpenSucceedsFirstAttempt(t *testing.T) {
	c := newTestClient(testClientConfig())

	dials := 0
	c.dial = func(ctx context.Context) (Handle, error) {
		dials++
		return &stubHandle{}, nil
	}

	if _, err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dials != 1 {
		t.Fatalf("dial attempts = %d, want 1", dials)
	}
}

func TestOpenRetriesTransientFailures(t *testing.T) {
	c := newTestClient(testClientConfig())

	dials := 0
	c.dial = func(ctx context.Context) (Handle, error) {
		dials++
		if dials < 3 {
			return nil, errors.New("connection refused")
		}
		return &stubHandle{}, nil
	}

	if _, err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dials != 3 {
		t.Fatalf("dial attempts = %d, want 3", dials)
	}
}

func TestOpenExhaustionAggregatesLastCause(t *testing.T) {
	c := newTestClient(testClientConfig())

	cause := errors.New("connection refused")
	dials := 0
	c.dial = func(ctx context.Context) (Handle, error) {
		dials++
		return nil, cause
	}

	_, err := c.Open(context.Background())
	if err == nil {
		t.Fatal("Open() succeeded, want error")
	}
	if dials != 3 {
		t.Fatalf("dial attempts = %d, want 3", dials)
	}

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("error %v is not a ConnectError", err)
	}
	if connErr.Attempts != 3 {
		t.Errorf("ConnectError.Attempts = %d, want 3", connErr.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error %v does not wrap the last cause", err)
	}
}

func TestOpenPreconditionFailuresDoNotRetry(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "model without prefix",
			mutate:  func(c *Config) { c.Model = "gemini-2.0-flash-live-001" },
			wantErr: ErrInvalidModel,
		},
		{
			name:    "unknown voice",
			mutate:  func(c *Config) { c.Voice = "HAL9000" },
			wantErr: ErrInvalidVoice,
		},
		{
			name:    "empty voice",
			mutate:  func(c *Config) { c.Voice = "" },
			wantErr: ErrInvalidVoice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testClientConfig()
			tt.mutate(&cfg)
			c := newTestClient(cfg)

			dials := 0
			c.dial = func(ctx context.Context) (Handle, error) {
				dials++
				return nil, errors.New("should not be reached")
			}

			_, err := c.Open(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Open() error = %v, want %v", err, tt.wantErr)
			}
			if dials != 0 {
				t.Errorf("dial attempts = %d, want 0", dials)
			}
		})
	}
}

func TestOpenHonorsContextCancellation(t *testing.T) {
	cfg := testClientConfig()
	cfg.RetryBaseDelay = time.Hour
	c := newTestClient(cfg)

	c.dial = func(ctx context.Context) (Handle, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Open(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Open() error = %v, want context deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Open() blocked for %s instead of honoring cancellation", elapsed)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		lower := base << (attempt - 1)
		upper := lower + maxJitter
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt, base)
			if d < lower || d >= upper {
				t.Fatalf("backoffDelay(%d) = %s, want [%s, %s)", attempt, d, lower, upper)
			}
		}
	}
}

func TestBackoffDelayMonotonicAcrossAttempts(t *testing.T) {
	// With base 1s the jitter ceiling is below the gap between attempts,
	// so later attempts always wait longer.
	base := time.Second
	for i := 0; i < 50; i++ {
		first := backoffDelay(1, base)
		second := backoffDelay(2, base)
		third := backoffDelay(3, base)
		if second <= first || third <= second {
			t.Fatalf("delays not increasing: %s, %s, %s", first, second, third)
		}
	}
}
