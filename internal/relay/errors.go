package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/upstream"
)

// Kind classifies session errors for triage: what to tell the client, what
// to log, and whether teardown is normal or failed.
type Kind int

const (
	KindUnexpected Kind = iota
	KindBenignDisconnect
	KindQuotaExceeded
	KindSendTimeout
	KindUpstreamConnectFailed
	KindMalformedMessage
	KindPayloadTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindBenignDisconnect:
		return "benign_disconnect"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindSendTimeout:
		return "send_timeout"
	case KindUpstreamConnectFailed:
		return "upstream_connect_failed"
	case KindMalformedMessage:
		return "malformed_message"
	case KindPayloadTooLarge:
		return "payload_too_large"
	default:
		return "unexpected"
	}
}

// isBenignClose reports whether err is an ordinary end of a connection
// rather than a failure. Detection uses structured error types, not message
// text.
func isBenignClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	return false
}

// isQuotaErr reports whether err is the Live API refusing service for
// quota or rate-limit reasons. The API signals this in the close frame, so
// the close reason text is the only discriminator available.
func isQuotaErr(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		reason := strings.ToLower(closeErr.Text)
		return strings.Contains(reason, "quota") ||
			strings.Contains(reason, "resource_exhausted") ||
			strings.Contains(reason, "rate limit")
	}
	return false
}

// classify maps a session-ending error to its Kind.
func classify(err error) Kind {
	switch {
	case isBenignClose(err):
		return KindBenignDisconnect
	case isQuotaErr(err):
		return KindQuotaExceeded
	case errors.Is(err, upstream.ErrSendTimeout):
		return KindSendTimeout
	default:
		var connErr *upstream.ConnectError
		if errors.As(err, &connErr) {
			return KindUpstreamConnectFailed
		}
		return KindUnexpected
	}
}
