package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/metrics"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/session"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/upstream"
)

// State is the lifecycle phase of one supervised session.
type State int32

const (
	StateCreated State = iota
	StateAwaitingUpstream
	StatePriming
	StateReady
	StateRelaying
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingUpstream:
		return "awaiting_upstream"
	case StatePriming:
		return "priming"
	case StateReady:
		return "ready"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// primingDrainTimeout bounds how long we wait for the model to acknowledge
// the preload turn.
const primingDrainTimeout = 10 * time.Second

// SupervisorConfig carries the per-session settings the supervisor needs.
type SupervisorConfig struct {
	Limits         Limits
	PreloadContext string
}

// Dialer opens upstream model sessions. *upstream.Client satisfies it.
type Dialer interface {
	Open(ctx context.Context) (upstream.Handle, error)
}

// Supervisor owns the lifecycle of one client connection: session
// registration, upstream establishment, priming, the ready signal, the
// pump, and guaranteed teardown on every exit path.
type Supervisor struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *session.Registry
	client   Dialer
	conn     ClientConn
	cfg      SupervisorConfig

	state atomic.Int32
}

// NewSupervisor builds the supervisor for one accepted connection.
func NewSupervisor(logger *slog.Logger, m *metrics.Metrics, registry *session.Registry, client Dialer, conn ClientConn, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		logger:   logger,
		metrics:  m,
		registry: registry,
		client:   client,
		conn:     conn,
		cfg:      cfg,
	}
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(logger *slog.Logger, next State) {
	prev := State(s.state.Swap(int32(next)))
	logger.Debug("Session state transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
}

// Run drives the session to completion. The client socket, upstream handle
// and registry entry are released on every path out.
func (s *Supervisor) Run(ctx context.Context) error {
	id := session.NewID()
	sess, err := s.registry.Create(id)
	if err != nil {
		s.conn.WriteJSON(errorMessage("failed to create session", ErrTypeGeneral))
		s.conn.Close()
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.metrics.RecordSessionCreated()

	logger := s.logger.With(slog.String("session_id", id))
	logger.Info("Session created")

	defer func() {
		s.registry.Remove(id)
		s.metrics.RecordSessionRemoved(time.Since(sess.CreatedAt))
		s.conn.Close()
		logger.Info("Session closed",
			slog.String("state", s.State().String()),
			slog.Duration("lifetime", time.Since(sess.CreatedAt)),
		)
	}()

	s.setState(logger, StateAwaitingUpstream)
	handle, err := s.client.Open(ctx)
	if err != nil {
		s.setState(logger, StateFailed)
		s.metrics.RecordUpstreamConnectFailure()
		s.metrics.RecordRelayError(ErrTypeGeneral)
		s.conn.WriteJSON(errorMessage("failed to reach the model service", ErrTypeGeneral))
		return fmt.Errorf("failed to open upstream session: %w", err)
	}
	defer handle.Close()

	if s.cfg.PreloadContext != "" {
		s.setState(logger, StatePriming)
		s.prime(ctx, handle, logger)
	}

	s.setState(logger, StateReady)
	if err := s.conn.WriteJSON(ServerMessage{Type: TypeReady, Data: ReadyData{SessionID: id}}); err != nil {
		s.setState(logger, StateFailed)
		return fmt.Errorf("failed to send ready signal: %w", err)
	}

	s.setState(logger, StateRelaying)
	engine := NewEngine(logger, s.metrics, sess, handle, s.conn, s.cfg.Limits)
	if err := engine.Run(ctx); err != nil {
		s.setState(logger, StateFailed)
		return err
	}

	s.setState(logger, StateClosing)
	s.setState(logger, StateClosed)
	return nil
}

// prime preloads conversation context and drains the model's acknowledgment
// turn so the first real exchange starts clean. Best effort: failures are
// logged, never fatal.
func (s *Supervisor) prime(ctx context.Context, handle upstream.Handle, logger *slog.Logger) {
	start := time.Now()

	if err := handle.Send(ctx, upstream.Payload{Text: s.cfg.PreloadContext}, true); err != nil {
		logger.Warn("Priming send failed",
			slog.String("error", err.Error()),
		)
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, primingDrainTimeout)
	defer cancel()

	events, err := handle.Receive(drainCtx)
	if err != nil {
		logger.Warn("Priming acknowledgment failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case _, ok := <-events:
			if !ok {
				logger.Info("Session primed",
					slog.Duration("duration", time.Since(start)),
				)
				return
			}
			// Acknowledgment content is discarded.
		case <-drainCtx.Done():
			logger.Warn("Priming acknowledgment timed out")
			return
		}
	}
}
