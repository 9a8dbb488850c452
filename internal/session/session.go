package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSessionID is returned when a session identifier is not a canonical UUID v4.
var ErrInvalidSessionID = errors.New("invalid session identifier: must be a UUID v4")

// Session tracks the state of one client connection and its upstream conversation.
// Both relay lanes mutate it concurrently, so all flag and counter access
// goes through the session's own mutex.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu                sync.RWMutex
	lastActivity      time.Time
	messageCount      uint64
	totalTokens       int64
	receivingResponse bool
	clientInterrupted bool
}

// NewID generates a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidateID reports whether id is a canonical UUID v4 string.
// Non-conforming identifiers are rejected before any session state exists,
// which keeps injected or traversal-style identifiers out of the registry.
func ValidateID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.Variant() == uuid.RFC4122
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		lastActivity: now,
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// IncrementMessageCount bumps the inbound message counter.
func (s *Session) IncrementMessageCount() {
	s.mu.Lock()
	s.messageCount++
	s.mu.Unlock()
}

// SetTotalTokens records the cumulative token usage reported by the upstream.
func (s *Session) SetTotalTokens(tokens int64) {
	s.mu.Lock()
	s.totalTokens = tokens
	s.mu.Unlock()
}

// SetReceivingResponse marks whether a model turn is currently streaming out.
func (s *Session) SetReceivingResponse(receiving bool) {
	s.mu.Lock()
	s.receivingResponse = receiving
	s.mu.Unlock()
}

// SetClientInterrupted sets or clears the client barge-in flag.
// The upstream-to-client lane consults it before delivering each turn part.
func (s *Session) SetClientInterrupted(interrupted bool) {
	s.mu.Lock()
	s.clientInterrupted = interrupted
	s.mu.Unlock()
}

// ClientInterrupted reports whether the client signalled a local barge-in.
func (s *Session) ClientInterrupted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInterrupted
}

// ClearTurnState resets both response flags at the end of a turn.
func (s *Session) ClearTurnState() {
	s.mu.Lock()
	s.receivingResponse = false
	s.clientInterrupted = false
	s.mu.Unlock()
}

// Info returns a point-in-time snapshot for monitoring and APIs.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		ID:                s.ID,
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.lastActivity,
		Duration:          time.Since(s.CreatedAt),
		MessageCount:      s.messageCount,
		TotalTokens:       s.totalTokens,
		ReceivingResponse: s.receivingResponse,
		ClientInterrupted: s.clientInterrupted,
	}
}

// Info represents session information for monitoring and APIs
type Info struct {
	ID                string        `json:"id"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivity      time.Time     `json:"last_activity"`
	Duration          time.Duration `json:"duration"`
	MessageCount      uint64        `json:"message_count"`
	TotalTokens       int64         `json:"total_tokens"`
	ReceivingResponse bool          `json:"receiving_response"`
	ClientInterrupted bool          `json:"client_interrupted"`
}
