package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidModel is returned when the configured model identifier is
	// not a well-formed Live model name.
	ErrInvalidModel = errors.New("invalid model identifier")

	// ErrInvalidVoice is returned when the configured voice is not one of
	// the prebuilt Live voices.
	ErrInvalidVoice = errors.New("invalid voice name")

	// ErrSendTimeout is returned when a write to the Live session does not
	// complete within the send timeout.
	ErrSendTimeout = errors.New("upstream send timed out")
)

// availableVoices are the prebuilt voices accepted by the Live API.
var availableVoices = map[string]bool{
	"Puck":   true,
	"Charon": true,
	"Kore":   true,
	"Fenrir": true,
	"Aoede":  true,
}

// ConnectError reports that every connection attempt failed. It wraps the
// last underlying cause.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream connect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Config contains the immutable settings for the upstream client.
type Config struct {
	APIKey            string
	Endpoint          string
	Model             string
	Voice             string
	SystemInstruction string
	MaxRetries        int
	RetryBaseDelay    time.Duration
	SendTimeout       time.Duration
	SetupTimeout      time.Duration
}

// Payload carries one piece of client input for the model. Exactly one
// field should be set.
type Payload struct {
	Audio []byte
	Image []byte
	Text  string
}

// Handle is one live model session. Receive returns a stream that closes at
// each turn boundary; call it again to keep listening. Close is idempotent.
type Handle interface {
	Send(ctx context.Context, p Payload, endOfTurn bool) error
	SendToolResponse(ctx context.Context, responses []ToolResponse) error
	Receive(ctx context.Context) (<-chan Event, error)
	Close() error
}

// Client opens Live sessions. One instance is shared by all relay sessions;
// its settings never change after construction.
type Client struct {
	logger *slog.Logger
	cfg    Config

	// dial is swapped out by tests.
	dial func(ctx context.Context) (Handle, error)
}

// NewClient creates the shared upstream client.
func NewClient(logger *slog.Logger, cfg Config) *Client {
	c := &Client{
		logger: logger,
		cfg:    cfg,
	}
	c.dial = c.dialLive
	return c
}

// checkPreconditions validates settings that no amount of retrying can fix.
func (c *Client) checkPreconditions() error {
	if !strings.HasPrefix(c.cfg.Model, "models/") {
		return fmt.Errorf("%w: %q must have a models/ prefix", ErrInvalidModel, c.cfg.Model)
	}
	if !availableVoices[c.cfg.Voice] {
		return fmt.Errorf("%w: %q", ErrInvalidVoice, c.cfg.Voice)
	}
	return nil
}

// Open establishes a Live session, retrying transient failures with
// exponential backoff. Misconfiguration fails immediately without retry.
func (c *Client) Open(ctx context.Context) (Handle, error) {
	if err := c.checkPreconditions(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		handle, err := c.dial(ctx)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("Upstream session established after retry",
					slog.Int("attempt", attempt),
				)
			}
			return handle, nil
		}
		lastErr = err

		c.logger.Warn("Upstream connection attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.String("error", err.Error()),
		)

		if attempt < c.cfg.MaxRetries {
			delay := backoffDelay(attempt, c.cfg.RetryBaseDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, &ConnectError{Attempts: c.cfg.MaxRetries, Err: lastErr}
}

// setupMessage is the first frame on a BidiGenerateContent connection.
type setupMessage struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction,omitempty"`
	} `json:"setup"`
}

// dialLive connects to the Live endpoint, sends the setup frame, and waits
// for the server's setup acknowledgment.
func (c *Client) dialLive(ctx context.Context) (Handle, error) {
	endpoint, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	query := endpoint.Query()
	query.Set("key", c.cfg.APIKey)
	endpoint.RawQuery = query.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.SetupTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial live endpoint: %w", err)
	}

	setup := setupMessage{}
	setup.Setup.Model = c.cfg.Model
	setup.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = c.cfg.Voice
	if c.cfg.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		}{
			Parts: []struct {
				Text string `json:"text"`
			}{{Text: c.cfg.SystemInstruction}},
		}
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SetupTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set setup write deadline: %w", err)
	}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send setup message: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.SetupTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set setup read deadline: %w", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read setup acknowledgment: %w", err)
	}
	events, err := decodeEvents(raw)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if len(events) == 0 || events[0].Type != EventSetupComplete {
		conn.Close()
		return nil, fmt.Errorf("unexpected first server message, want setup acknowledgment")
	}
	conn.SetReadDeadline(time.Time{})

	return newLiveHandle(c.logger, conn, c.cfg.SendTimeout), nil
}

// liveHandle is a Handle over one BidiGenerateContent WebSocket connection.
// A single reader goroutine owns conn reads for the handle's whole life;
// Receive calls slice waves off its event channel, so a cancelled Receive
// never leaves a competing reader on the connection.
type liveHandle struct {
	logger      *slog.Logger
	conn        *websocket.Conn
	sendTimeout time.Duration

	// writeMu serializes writers; gorilla allows a single writer at a time.
	writeMu sync.Mutex

	// events is fed by readLoop. readDone closes when readLoop exits,
	// after which readErr is safe to read.
	events   chan Event
	readDone chan struct{}
	readErr  error
	quit     chan struct{}

	// pending holds an event a cancelled Receive pulled but could not
	// deliver, so the next Receive starts with it.
	pendingMu sync.Mutex
	pending   *Event

	closeOnce sync.Once
	closeErr  error
}

func newLiveHandle(logger *slog.Logger, conn *websocket.Conn, sendTimeout time.Duration) *liveHandle {
	h := &liveHandle{
		logger:      logger,
		conn:        conn,
		sendTimeout: sendTimeout,
		events:      make(chan Event),
		readDone:    make(chan struct{}),
		quit:        make(chan struct{}),
	}
	go h.readLoop()
	return h
}

func (h *liveHandle) writeJSON(ctx context.Context, v any) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	deadline := time.Now().Add(h.sendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := h.conn.WriteJSON(v); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w after %s", ErrSendTimeout, h.sendTimeout)
		}
		return fmt.Errorf("failed to write to live session: %w", err)
	}
	return nil
}

// Send forwards one client payload. Audio and image go as realtime media
// chunks; text goes as client content, ending the user turn when endOfTurn
// is set.
func (h *liveHandle) Send(ctx context.Context, p Payload, endOfTurn bool) error {
	switch {
	case p.Audio != nil:
		return h.writeJSON(ctx, map[string]any{
			"realtimeInput": map[string]any{
				"mediaChunks": []map[string]string{{
					"mimeType": "audio/pcm;rate=16000",
					"data":     base64.StdEncoding.EncodeToString(p.Audio),
				}},
			},
		})

	case p.Image != nil:
		return h.writeJSON(ctx, map[string]any{
			"realtimeInput": map[string]any{
				"mediaChunks": []map[string]string{{
					"mimeType": "image/jpeg",
					"data":     base64.StdEncoding.EncodeToString(p.Image),
				}},
			},
		})

	default:
		return h.writeJSON(ctx, map[string]any{
			"clientContent": map[string]any{
				"turns": []map[string]any{{
					"role":  "user",
					"parts": []map[string]string{{"text": p.Text}},
				}},
				"turnComplete": endOfTurn,
			},
		})
	}
}

// SendToolResponse returns function results to the model.
func (h *liveHandle) SendToolResponse(ctx context.Context, responses []ToolResponse) error {
	return h.writeJSON(ctx, map[string]any{
		"toolResponse": map[string]any{
			"functionResponses": responses,
		},
	})
}

// readLoop is the connection's only reader. It decodes frames and hands
// events to the current Receive wave, parking on the send when no wave is
// consuming. It exits on a read error or when the handle is closed.
func (h *liveHandle) readLoop() {
	defer close(h.events)
	defer close(h.readDone)

	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			h.readErr = err
			return
		}

		events, err := decodeEvents(raw)
		if err != nil {
			h.logger.Warn("Skipping undecodable server message",
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, ev := range events {
			select {
			case h.events <- ev:
			case <-h.quit:
				h.readErr = net.ErrClosed
				return
			}
		}
	}
}

func (h *liveHandle) takePending() (Event, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if h.pending == nil {
		return Event{}, false
	}
	ev := *h.pending
	h.pending = nil
	return ev, true
}

func (h *liveHandle) stashPending(ev Event) {
	h.pendingMu.Lock()
	h.pending = &ev
	h.pendingMu.Unlock()
}

func (h *liveHandle) hasPending() bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return h.pending != nil
}

func isTurnBoundary(ev Event) bool {
	return ev.Type == EventGoAway ||
		(ev.Type == EventContent && ev.Content.TurnComplete)
}

// Receive returns a stream of events for the current wave of model output.
// The channel closes at the next turn boundary or on a connection error;
// the error, if any, is returned by the following Receive call. A wave cut
// short by ctx leaves the reader and any undelivered event intact for the
// next Receive.
func (h *liveHandle) Receive(ctx context.Context) (<-chan Event, error) {
	if !h.hasPending() {
		select {
		case <-h.readDone:
			return nil, h.readErr
		default:
		}
	}

	out := make(chan Event)

	go func() {
		defer close(out)

		if ev, ok := h.takePending(); ok {
			select {
			case out <- ev:
			case <-ctx.Done():
				h.stashPending(ev)
				return
			}
			if isTurnBoundary(ev) {
				return
			}
		}

		for {
			select {
			case ev, ok := <-h.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					h.stashPending(ev)
					return
				}
				if isTurnBoundary(ev) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close shuts the connection down and stops the reader. Safe to call
// multiple times.
func (h *liveHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.quit)
		h.writeMu.Lock()
		h.conn.SetWriteDeadline(time.Now().Add(time.Second))
		h.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		h.writeMu.Unlock()
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}
