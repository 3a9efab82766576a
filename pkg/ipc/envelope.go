package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Reserved control ids. Every other id is a caller-generated request id that
// is answered by exactly one reply carrying the same id.
const (
	// ShutdownID asks the worker to close its engine and exit. No reply.
	ShutdownID = "SHUTDOWN"

	// IsAliveID is a liveness probe. The worker answers with AliveID.
	IsAliveID = "IS_ALIVE"

	// AliveID is the reply id for an IsAliveID probe.
	AliveID = "ALIVE"
)

// Envelope is the unit of exchange on a channel.
type Envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequestID returns a fresh correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

// IsControl reports whether id is one of the reserved control ids.
func IsControl(id string) bool {
	switch id {
	case ShutdownID, IsAliveID, AliveID:
		return true
	default:
		return false
	}
}

// NewEnvelope builds an envelope with payload encoded as JSON. A nil payload
// produces an envelope without one.
func NewEnvelope(id string, payload interface{}) (Envelope, error) {
	env := Envelope{ID: id}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload for %s: %w", id, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload for %s: %w", e.ID, err)
	}
	return nil
}
