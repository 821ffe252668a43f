package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/holorelay/holorelay/internal/errkind"
)

// EnvelopeVersion is the only wire version this build speaks.
const EnvelopeVersion = 1

// Envelope wraps every message on the bus. Body is left raw so consumers
// decode it into the type implied by Type.
type Envelope struct {
	V           int             `json:"v"`
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	TS          int64           `json:"ts"` // unix milliseconds
	Body        json.RawMessage `json:"body"`
	Traceparent string          `json:"traceparent,omitempty"`
}

// NewEnvelope wraps body for publication on subject. The envelope ID is a
// fresh UUID; TS is stamped now.
func NewEnvelope(subject string, body interface{}) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInvalidRequest, err, "marshal envelope body")
	}
	return &Envelope{
		V:    EnvelopeVersion,
		Type: subject,
		ID:   uuid.NewString(),
		TS:   time.Now().UnixMilli(),
		Body: raw,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInvalidRequest, err, "marshal envelope")
	}
	return data, nil
}

// DecodeEnvelope parses a wire message. An unknown version fails with an
// IncompatibleVersion error (InvalidRequest kind) so redeliveries from a
// newer writer are rejected rather than half-parsed.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errkind.Wrap(errkind.KindInvalidRequest, err, "unmarshal envelope")
	}
	if e.V != EnvelopeVersion {
		return nil, errkind.Newf(errkind.KindInvalidRequest,
			"IncompatibleVersion: envelope v%d, this build speaks v%d", e.V, EnvelopeVersion)
	}
	if e.Type == "" {
		return nil, errkind.New(errkind.KindInvalidRequest, "envelope missing type")
	}
	return &e, nil
}

// DecodeBody unmarshals the envelope body into out.
func (e *Envelope) DecodeBody(out interface{}) error {
	if err := json.Unmarshal(e.Body, out); err != nil {
		return errkind.Wrap(errkind.KindInvalidRequest, err, "unmarshal envelope body")
	}
	return nil
}
