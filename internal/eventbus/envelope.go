package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the self-describing container every event travels in. The
// outer eventType discriminator lets consumers route without decoding
// the payload. The correlation id is set on ingress and carried on
// every downstream produce.
type Envelope struct {
	EventID       string            `json:"eventId"`
	EventType     string            `json:"eventType"`
	AggregateID   string            `json:"aggregateId,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
	Source        string            `json:"source,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope for the given event type and aggregate,
// marshalling payload to JSON. Event id and occurred-at are stamped here;
// source and correlation id are stamped by the publisher.
func NewEnvelope(eventType, aggregateID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Envelope{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Payload:     data,
	}, nil
}

// Encode returns the JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.EventID)
	}
	return json.Unmarshal(e.Payload, v)
}

// DecodeEnvelope parses the JSON wire form. Envelopes without an event
// type are rejected: nothing downstream could route them.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedEnvelope)
	}
	return &env, nil
}
