package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// PushPath is the HTTP path of the push endpoint at both tiers.
const PushPath = "/api/push-reply"

// maxPushBody bounds the size of a decoded push request body.
const maxPushBody = 64 << 10

// PushEnvelope is the payload of a push request. RoomID is only consulted by
// the router; a channel already knows its own identity.
type PushEnvelope struct {
	RoomID     string `json:"roomId,omitempty"`
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
	SenderRole string `json:"senderRole,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	RecordID   string `json:"recordId,omitempty"`
}

// DecodePushEnvelope reads a JSON push envelope from r.
func DecodePushEnvelope(r io.Reader) (PushEnvelope, error) {
	var env PushEnvelope
	if r == nil {
		return env, ErrInvalidBody
	}
	if err := json.NewDecoder(io.LimitReader(r, maxPushBody)).Decode(&env); err != nil {
		return PushEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return env, nil
}

// Validate checks the fields a channel needs to broadcast the push.
func (e PushEnvelope) Validate() error {
	if e.Message == "" || e.SenderName == "" {
		return ErrMissingFields
	}
	return nil
}

// ValidateRouted checks the fields the router needs, including the target room.
func (e PushEnvelope) ValidateRouted() error {
	if e.RoomID == "" {
		return ErrMissingFields
	}
	return e.Validate()
}
