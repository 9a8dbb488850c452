package relay

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeAudio        = "audio"
	TypeImage        = "image"
	TypeText         = "text"
	TypeToolResponse = "tool_response"
	TypeInterrupt    = "interrupt"
	TypeEnd          = "end"
)

// Outbound message types.
const (
	TypeSetupComplete = "setup_complete"
	TypeInterrupted   = "interrupted"
	TypeTurnComplete  = "turn_complete"
	TypeToolCall      = "tool_call"
	TypeGoAway        = "go_away"
	TypeError         = "error"
	TypeReady         = "ready"
)

// Error types carried in outbound error messages.
const (
	ErrTypeInvalidMessage    = "invalid_message"
	ErrTypeSizeLimitExceeded = "size_limit_exceeded"
	ErrTypeTimeout           = "timeout"
	ErrTypeQuotaExceeded     = "quota_exceeded"
	ErrTypeGeneral           = "general"
)

// payloadTypes are the inbound types that must carry data.
var payloadTypes = map[string]bool{
	TypeAudio:        true,
	TypeImage:        true,
	TypeText:         true,
	TypeToolResponse: true,
}

// ClientMessage is one frame from the browser. Data is raw because its
// shape depends on Type: a base64 or plain string for payload types, a
// response array for tool_response.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// parseClientMessage decodes and structurally validates one client frame.
// Unknown types pass through here; the pump logs and skips them.
func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	if payloadTypes[msg.Type] && len(msg.Data) == 0 {
		return nil, fmt.Errorf("%s message requires data", msg.Type)
	}
	return &msg, nil
}

// stringData extracts the message payload as a plain string.
func (m *ClientMessage) stringData() (string, error) {
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return "", fmt.Errorf("%s data must be a string: %w", m.Type, err)
	}
	return s, nil
}

// ServerMessage is one frame sent to the browser.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ErrorData is the payload of an outbound error message.
type ErrorData struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// ToolCallData is the payload of an outbound tool_call message.
type ToolCallData struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// NoticeData carries a human-readable message for notification frames.
type NoticeData struct {
	Message string `json:"message"`
}

// ReadyData is the payload of the ready message.
type ReadyData struct {
	SessionID string `json:"session_id"`
}

func errorMessage(message, errorType string) ServerMessage {
	return ServerMessage{
		Type: TypeError,
		Data: ErrorData{Message: message, ErrorType: errorType},
	}
}

// ClientConn is the relay's view of one client WebSocket. WriteJSON must be
// safe for concurrent use; the server's wrapper serializes writers.
type ClientConn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}
