package event

import (
	"encoding/json"
	"time"
)

// Type is the discriminator routed on by the router
type Type string

const (
	TypeTerminate         Type = "Terminate"
	TypeInvokeThinking    Type = "InvokeThinking"
	TypeThinkingCompleted Type = "ThinkingCompleted"
	TypeToolCallRequested Type = "ToolCallRequested"
	TypeToolCallCompleted Type = "ToolCallCompleted"
	TypeToolCallFailed    Type = "ToolCallFailed"
)

// Payload is the variant-specific body of an event. The set of payloads
// is closed over this package plus Custom; agents match with a type switch.
type Payload interface {
	EventType() Type
}

// Event is the unit exchanged between agents. Once dispatched it is
// treated as immutable.
type Event struct {
	Type          Type      `json:"type"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       Payload   `json:"payload,omitempty"`
}

// New creates an event whose type is taken from the payload
func New(source string, payload Payload) Event {
	ev := Event{
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	if payload != nil {
		ev.Type = payload.EventType()
	}
	return ev
}

// Signal creates a payload-less event of the given type
func Signal(source string, t Type) Event {
	return New(source, Custom{Kind: t})
}

// Derive creates a follow-up event in the same causal chain
func (e Event) Derive(source string, payload Payload) Event {
	next := New(source, payload)
	next.CorrelationID = e.CorrelationID
	return next
}

// WithCorrelationID returns a copy carrying the given correlation id
func (e Event) WithCorrelationID(id string) Event {
	e.CorrelationID = id
	return e
}

// Is reports whether the event has the given type
func (e Event) Is(t Type) bool {
	return e.Type == t
}

// UnmarshalJSON restores the concrete payload variant from the type field
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type          Type            `json:"type"`
		Source        string          `json:"source"`
		CorrelationID string          `json:"correlation_id,omitempty"`
		Timestamp     time.Time       `json:"timestamp"`
		Payload       json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}

	*e = Event{
		Type:          wire.Type,
		Source:        wire.Source,
		CorrelationID: wire.CorrelationID,
		Timestamp:     wire.Timestamp,
		Payload:       payload,
	}
	return nil
}
