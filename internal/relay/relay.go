package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/metrics"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/session"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/upstream"
)

// Limits bounds individual client payloads. Sizes for audio and image are
// estimated from base64 length before decoding.
type Limits struct {
	MaxAudioBytes int
	MaxImageBytes int
	MaxTextChars  int
}

// Engine pumps one session: the client-to-upstream lane forwards validated
// client input in arrival order; the upstream-to-client lane relays model
// events. The first lane to finish wins and the other is cancelled and
// awaited before Run returns.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	sess    *session.Session
	handle  upstream.Handle
	conn    ClientConn
	limits  Limits
}

// NewEngine wires a pump for one established session.
func NewEngine(logger *slog.Logger, m *metrics.Metrics, sess *session.Session, handle upstream.Handle, conn ClientConn, limits Limits) *Engine {
	return &Engine{
		logger:  logger,
		metrics: m,
		sess:    sess,
		handle:  handle,
		conn:    conn,
		limits:  limits,
	}
}

type laneResult struct {
	lane string
	err  error
}

// Run drives both lanes until one finishes, then tears the other down. The
// returned error is nil for benign endings (client hangup, quota notice,
// go-away); anything non-nil is session-fatal and already reported to the
// client.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan laneResult, 2)
	go func() {
		results <- laneResult{"client_to_upstream", e.clientToUpstream(ctx)}
	}()
	go func() {
		results <- laneResult{"upstream_to_client", e.upstreamToClient(ctx)}
	}()

	first := <-results
	ret := e.triage(first)

	// Unblock the surviving lane, wait for it, then release the handle.
	// Cancelling the context and closing the client connection suffice
	// when the upstream lane won; when the client lane won, the upstream
	// lane is parked in a read that only closing the handle interrupts,
	// so the close has to precede the wait.
	cancel()
	e.conn.Close()
	if first.lane == "client_to_upstream" {
		e.handle.Close()
		e.awaitSecond(results)
	} else {
		e.awaitSecond(results)
		e.handle.Close()
	}

	return ret
}

func (e *Engine) awaitSecond(results <-chan laneResult) {
	second := <-results
	if second.err != nil && !isBenignClose(second.err) && !errors.Is(second.err, context.Canceled) {
		e.logger.Debug("Second lane ended with error during teardown",
			slog.String("session_id", e.sess.ID),
			slog.String("lane", second.lane),
			slog.String("error", second.err.Error()),
		)
	}
}

// triage decides what the winning lane's result means for the client and
// for the supervisor.
func (e *Engine) triage(first laneResult) error {
	if first.err == nil {
		return nil
	}

	switch classify(first.err) {
	case KindBenignDisconnect:
		e.logger.Debug("Session ended by disconnect",
			slog.String("session_id", e.sess.ID),
			slog.String("lane", first.lane),
		)
		return nil

	case KindQuotaExceeded:
		e.logger.Warn("Upstream refused service for quota",
			slog.String("session_id", e.sess.ID),
			slog.String("error", first.err.Error()),
		)
		e.sendError("API quota exceeded, please try again later", ErrTypeQuotaExceeded)
		return nil

	default:
		e.logger.Error("Session failed",
			slog.String("session_id", e.sess.ID),
			slog.String("lane", first.lane),
			slog.String("error", first.err.Error()),
		)
		e.sendError("internal relay error", ErrTypeGeneral)
		return first.err
	}
}

// sendError delivers one error message to the client, best effort.
func (e *Engine) sendError(message, errorType string) {
	e.metrics.RecordRelayError(errorType)
	if err := e.conn.WriteJSON(errorMessage(message, errorType)); err != nil {
		e.logger.Debug("Failed to deliver error message",
			slog.String("session_id", e.sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

// clientToUpstream forwards client frames in strict arrival order. Bad
// individual messages are reported and skipped; only transport errors end
// the lane.
func (e *Engine) clientToUpstream(ctx context.Context) error {
	for {
		raw, err := e.conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.sess.Touch()
		e.sess.IncrementMessageCount()

		msg, err := parseClientMessage(raw)
		if err != nil {
			e.sendError(err.Error(), ErrTypeInvalidMessage)
			continue
		}

		e.metrics.RecordClientMessage(msg.Type)

		if err := e.dispatchClientMessage(ctx, msg); err != nil {
			return err
		}
	}
}

// dispatchClientMessage handles one validated frame. A non-nil return is
// session-fatal.
func (e *Engine) dispatchClientMessage(ctx context.Context, msg *ClientMessage) error {
	switch msg.Type {
	case TypeAudio:
		return e.forwardMedia(ctx, msg, e.limits.MaxAudioBytes, true)

	case TypeImage:
		return e.forwardMedia(ctx, msg, e.limits.MaxImageBytes, false)

	case TypeText:
		text, err := msg.stringData()
		if err != nil {
			e.sendError(err.Error(), ErrTypeInvalidMessage)
			return nil
		}
		if utf8.RuneCountInString(text) > e.limits.MaxTextChars {
			e.sendError(
				fmt.Sprintf("text exceeds %d character limit", e.limits.MaxTextChars),
				ErrTypeSizeLimitExceeded,
			)
			return nil
		}
		return e.sendUpstream(ctx, upstream.Payload{Text: text}, true)

	case TypeToolResponse:
		var responses []upstream.ToolResponse
		if err := json.Unmarshal(msg.Data, &responses); err != nil {
			e.sendError(fmt.Sprintf("tool_response data must be a response array: %v", err), ErrTypeInvalidMessage)
			return nil
		}
		if err := e.handle.SendToolResponse(ctx, responses); err != nil {
			if errors.Is(err, upstream.ErrSendTimeout) {
				e.sendError("upstream send timed out", ErrTypeTimeout)
				return nil
			}
			return err
		}
		return nil

	case TypeInterrupt:
		e.sess.SetClientInterrupted(true)
		e.metrics.RecordInterruption()
		e.logger.Debug("Client interrupt",
			slog.String("session_id", e.sess.ID),
		)
		return nil

	case TypeEnd:
		// Acknowledged implicitly; the client closes the socket when done.
		return nil

	default:
		e.logger.Warn("Ignoring unknown message type",
			slog.String("session_id", e.sess.ID),
			slog.String("type", msg.Type),
		)
		return nil
	}
}

// forwardMedia validates, decodes and forwards one audio or image payload.
// Fresh audio also lifts a standing client interrupt.
func (e *Engine) forwardMedia(ctx context.Context, msg *ClientMessage, maxBytes int, isAudio bool) error {
	encoded, err := msg.stringData()
	if err != nil {
		e.sendError(err.Error(), ErrTypeInvalidMessage)
		return nil
	}

	// Estimate the decoded size from base64 length before paying for the
	// decode.
	if estimated := len(encoded) * 3 / 4; estimated > maxBytes {
		e.sendError(
			fmt.Sprintf("%s payload of ~%d bytes exceeds %d byte limit", msg.Type, estimated, maxBytes),
			ErrTypeSizeLimitExceeded,
		)
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		e.sendError(fmt.Sprintf("%s data is not valid base64", msg.Type), ErrTypeInvalidMessage)
		return nil
	}

	payload := upstream.Payload{Image: decoded}
	if isAudio {
		e.sess.SetClientInterrupted(false)
		payload = upstream.Payload{Audio: decoded}
	}

	return e.sendUpstream(ctx, payload, false)
}

// sendUpstream forwards one payload, converting a send timeout into a
// survivable client-visible error.
func (e *Engine) sendUpstream(ctx context.Context, p upstream.Payload, endOfTurn bool) error {
	if err := e.handle.Send(ctx, p, endOfTurn); err != nil {
		if errors.Is(err, upstream.ErrSendTimeout) {
			e.sendError("upstream send timed out", ErrTypeTimeout)
			return nil
		}
		return err
	}
	return nil
}

// upstreamToClient relays model events. Receive yields events in waves; the
// outer loop keeps listening across turn boundaries until the stream errors
// or the server announces departure.
func (e *Engine) upstreamToClient(ctx context.Context) error {
	setupAcked := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		events, err := e.handle.Receive(ctx)
		if err != nil {
			return err
		}

		for ev := range events {
			e.metrics.RecordUpstreamEvent(ev.Type.String())

			switch ev.Type {
			case upstream.EventSetupComplete:
				if !setupAcked {
					setupAcked = true
					e.writeToClient(ServerMessage{Type: TypeSetupComplete})
				}

			case upstream.EventContent:
				e.relayContent(ev.Content)

			case upstream.EventToolCall:
				for _, call := range ev.ToolCall.Calls {
					e.writeToClient(ServerMessage{
						Type: TypeToolCall,
						Data: ToolCallData{ID: call.ID, Name: call.Name, Args: call.Args},
					})
				}

			case upstream.EventUsageMetadata:
				e.sess.SetTotalTokens(int64(ev.Usage.TotalTokens))

			case upstream.EventGoAway:
				msg := "server is closing the connection"
				if ev.GoAway.TimeLeft != "" {
					msg = fmt.Sprintf("server is closing the connection in %s", ev.GoAway.TimeLeft)
				}
				e.writeToClient(ServerMessage{Type: TypeGoAway, Data: NoticeData{Message: msg}})
				return nil
			}
		}
	}
}

// relayContent dispatches one wave of model output. Parts are suppressed
// wholesale while the client interrupt stands; the flag is rechecked before
// every part because the interrupt can land mid-turn.
func (e *Engine) relayContent(content *upstream.Content) {
	if content.Interrupted {
		e.writeToClient(ServerMessage{
			Type: TypeInterrupted,
			Data: NoticeData{Message: "response interrupted"},
		})
		e.sess.ClearTurnState()
		// Parts riding the interruption event belong to the cut-off
		// response and are not delivered.
		return
	}

	if len(content.Parts) > 0 && !e.sess.ClientInterrupted() {
		e.sess.SetReceivingResponse(true)
		for _, part := range content.Parts {
			if e.sess.ClientInterrupted() {
				break
			}
			switch {
			case part.Audio != nil:
				e.metrics.RecordAudioOut(len(part.Audio))
				e.writeToClient(ServerMessage{
					Type: TypeAudio,
					Data: base64.StdEncoding.EncodeToString(part.Audio),
				})
			case part.Text != "":
				e.writeToClient(ServerMessage{Type: TypeText, Data: part.Text})
			}
		}
	}

	if content.TurnComplete {
		e.writeToClient(ServerMessage{Type: TypeTurnComplete})
		e.sess.ClearTurnState()
	}
}

// writeToClient sends one frame, logging and continuing on failure so a
// slow or gone client cannot wedge event handling mid-wave.
func (e *Engine) writeToClient(msg ServerMessage) {
	if err := e.conn.WriteJSON(msg); err != nil {
		e.logger.Debug("Failed to write to client",
			slog.String("session_id", e.sess.ID),
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
	}
}
