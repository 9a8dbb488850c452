package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventType discriminates the variants of Event.
type EventType int

const (
	EventSetupComplete EventType = iota
	EventContent
	EventToolCall
	EventUsageMetadata
	EventGoAway
)

func (t EventType) String() string {
	switch t {
	case EventSetupComplete:
		return "setup_complete"
	case EventContent:
		return "content"
	case EventToolCall:
		return "tool_call"
	case EventUsageMetadata:
		return "usage_metadata"
	case EventGoAway:
		return "go_away"
	default:
		return "unknown"
	}
}

// Event is one decoded server message from the Live session. Exactly the
// field matching Type is populated; SetupComplete carries no payload.
type Event struct {
	Type     EventType
	Content  *Content
	ToolCall *ToolCall
	Usage    *UsageMetadata
	GoAway   *GoAway
}

// Content is a wave of model output. Interrupted and TurnComplete may
// arrive with or without parts.
type Content struct {
	Interrupted  bool
	TurnComplete bool
	Parts        []Part
}

// Part is one piece of model output, either text or inline binary audio.
type Part struct {
	Text  string
	Audio []byte
}

// ToolCall asks the client to execute one or more functions.
type ToolCall struct {
	Calls []FunctionCall
}

// FunctionCall identifies a single function the model wants invoked.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResponse is the client's answer to a FunctionCall.
type ToolResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// UsageMetadata reports cumulative token consumption for the session.
type UsageMetadata struct {
	TotalTokens int
}

// GoAway announces that the server will terminate the connection soon.
type GoAway struct {
	TimeLeft string
}

// serverMessage mirrors the BidiGenerateContent server frame. At most one
// top-level field is set per frame; usageMetadata may ride along with
// serverContent.
type serverMessage struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"modelTurn"`
		TurnComplete bool `json:"turnComplete"`
		Interrupted  bool `json:"interrupted"`
	} `json:"serverContent"`
	ToolCall *struct {
		FunctionCalls []FunctionCall `json:"functionCalls"`
	} `json:"toolCall"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway"`
}

// decodeEvents parses one server frame into zero or more events, in the
// order they should be delivered.
func decodeEvents(raw []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode server message: %w", err)
	}

	var events []Event

	if msg.SetupComplete != nil {
		events = append(events, Event{Type: EventSetupComplete})
	}

	if msg.ServerContent != nil {
		content := &Content{
			Interrupted:  msg.ServerContent.Interrupted,
			TurnComplete: msg.ServerContent.TurnComplete,
		}
		if msg.ServerContent.ModelTurn != nil {
			for _, p := range msg.ServerContent.ModelTurn.Parts {
				part := Part{Text: p.Text}
				if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/") {
					audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						return nil, fmt.Errorf("failed to decode inline audio: %w", err)
					}
					part.Audio = audio
				}
				content.Parts = append(content.Parts, part)
			}
		}
		events = append(events, Event{Type: EventContent, Content: content})
	}

	if msg.ToolCall != nil {
		events = append(events, Event{
			Type:     EventToolCall,
			ToolCall: &ToolCall{Calls: msg.ToolCall.FunctionCalls},
		})
	}

	if msg.UsageMetadata != nil {
		events = append(events, Event{
			Type:  EventUsageMetadata,
			Usage: &UsageMetadata{TotalTokens: msg.UsageMetadata.TotalTokenCount},
		})
	}

	if msg.GoAway != nil {
		events = append(events, Event{
			Type:   EventGoAway,
			GoAway: &GoAway{TimeLeft: msg.GoAway.TimeLeft},
		})
	}

	return events, nil
}
