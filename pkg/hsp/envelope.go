// Package hsp defines the wire-level types of the hivemesh service protocol:
// the message envelope, the typed payloads carried inside it, topic naming
// helpers, and the error taxonomy shared by every component that touches the
// bus.
package hsp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol and envelope versions stamped on every outbound message.
const (
	ProtocolVersion = "1.0"
	EnvelopeVersion = "1.0"
)

// Pattern describes the communication pattern of a message.
type Pattern string

// Communication patterns.
const (
	PatternPublish         Pattern = "publish"
	PatternRequest         Pattern = "request"
	PatternResponse        Pattern = "response"
	PatternAcknowledgement Pattern = "acknowledgement"
)

// QoS carries optional delivery hints.
type QoS struct {
	// Priority ranges 1 (lowest) to 5 (highest). Zero means unset.
	Priority    int  `json:"priority,omitempty"`
	RequiresAck bool `json:"requires_ack,omitempty"`
}

// Security carries optional message signing parameters. Verification is a
// hook: the connector passes these through untouched.
type Security struct {
	Signature []byte `json:"signature,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
}

// Envelope is the outer metadata wrapper attached to every bus message.
// The payload is typed by MessageType (e.g. "task-request/1.0") and decoded
// by the receiver with DecodePayload.
type Envelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	EnvelopeVersion string          `json:"envelope_version"`
	MessageID       string          `json:"message_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	SenderID        string          `json:"sender_id"`
	RecipientID     string          `json:"recipient_id"`
	TimestampSent   time.Time       `json:"timestamp_sent"`
	MessageType     string          `json:"message_type"`
	Pattern         Pattern         `json:"pattern"`
	QoS             *QoS            `json:"qos,omitempty"`
	Security        *Security       `json:"security,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh message id and the current UTC
// timestamp. The payload is marshaled to JSON.
func NewEnvelope(senderID, recipientID, messageType string, pattern Pattern, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
	}
	return &Envelope{
		ProtocolVersion: ProtocolVersion,
		EnvelopeVersion: EnvelopeVersion,
		MessageID:       uuid.New().String(),
		SenderID:        senderID,
		RecipientID:     recipientID,
		TimestampSent:   time.Now().UTC(),
		MessageType:     messageType,
		Pattern:         pattern,
		Payload:         raw,
	}, nil
}

// Validate checks the envelope invariants. Responses and acknowledgements
// must carry the correlation id of the message they answer.
func (e *Envelope) Validate() error {
	switch {
	case e.ProtocolVersion == "":
		return fmt.Errorf("envelope missing protocol_version")
	case e.EnvelopeVersion == "":
		return fmt.Errorf("envelope missing envelope_version")
	case e.MessageID == "":
		return fmt.Errorf("envelope missing message_id")
	case e.SenderID == "":
		return fmt.Errorf("envelope missing sender_id")
	case e.RecipientID == "":
		return fmt.Errorf("envelope missing recipient_id")
	case e.TimestampSent.IsZero():
		return fmt.Errorf("envelope missing timestamp_sent")
	case e.MessageType == "":
		return fmt.Errorf("envelope missing message_type")
	}

	switch e.Pattern {
	case PatternPublish, PatternRequest:
	case PatternResponse, PatternAcknowledgement:
		if e.CorrelationID == "" {
			return fmt.Errorf("%s envelope missing correlation_id", e.Pattern)
		}
	default:
		return fmt.Errorf("unknown envelope pattern: %q", e.Pattern)
	}

	if e.QoS != nil && (e.QoS.Priority < 0 || e.QoS.Priority > 5) {
		return fmt.Errorf("qos priority out of range: %d", e.QoS.Priority)
	}
	return nil
}

// Encode validates and serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope %s: %w", e.MessageID, err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates a wire-form envelope. Malformed input
// yields an error; the caller is expected to log and drop.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into the given payload type.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed %s payload in message %s: %w", env.MessageType, env.MessageID, err)
	}
	return &payload, nil
}
