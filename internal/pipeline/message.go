package pipeline

import (
	"encoding/json"
	"time"

	"github.com/s2flex/s2mitm/internal/s2"
	"github.com/s2flex/s2mitm/internal/s2validate"
)

// MessageKind distinguishes S2 wire traffic from session-lifecycle and
// injection markers flowing through the pipeline.
type MessageKind string

const (
	KindS2            MessageKind = "S2"
	KindSessionStart  MessageKind = "SESSION_STARTED"
	KindSessionEnd    MessageKind = "SESSION_ENDED"
	KindMsgInjected   MessageKind = "MSG_INJECTED"
)

// Validation holds the parse processor's verdict for an S2 message.
type Validation struct {
	Summary string               `json:"summary"`
	Errors  []s2validate.Error   `json:"errors"`
}

// Message is the record that flows through the pipeline's processor
// chain. raw_payload is preserved unconditionally for persistence; only
// the parse processor fills in Parsed/ParsedTypeName/Validation.
type Message struct {
	SessionID      string         `json:"session_id"`
	CEMID          string         `json:"cem_id"`
	RMID           string         `json:"rm_id"`
	OriginType     s2.OriginType  `json:"origin_type,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Kind           MessageKind    `json:"kind"`
	RawPayload     map[string]any `json:"raw_payload,omitempty"`
	Parsed         any            `json:"-"`
	ParsedTypeName string         `json:"parsed_type_name,omitempty"`
	Validation     *Validation    `json:"s2_validation_error,omitempty"`
}

// RawJSON renders RawPayload as a JSON text blob for persistence.
func (m *Message) RawJSON() (string, error) {
	if m.RawPayload == nil {
		return "", nil
	}
	b, err := json.Marshal(m.RawPayload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
