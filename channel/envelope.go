package channel

import (
	"fmt"
	"time"

	"github.com/xraph/fabric/codec"
	"github.com/xraph/fabric/id"
)

// Envelope wraps every payload on the wire. It is immutable once sent.
type Envelope struct {
	ID        id.MessageID `json:"id" msgpack:"id"`
	Sender    string       `json:"sender" msgpack:"sender"`
	Payload   []byte       `json:"payload" msgpack:"payload"`
	Timestamp time.Time    `json:"timestamp" msgpack:"timestamp"`
	Size      int          `json:"size" msgpack:"size"`
}

// NewEnvelope stamps payload with sender, time and size.
func NewEnvelope(sender string, payload []byte) *Envelope {
	return &Envelope{
		ID:        id.NewMessageID(),
		Sender:    sender,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Size:      len(payload),
	}
}

// Encode serializes the envelope in the binary wire format.
func (e *Envelope) Encode() ([]byte, error) {
	return codec.Binary.Marshal(e)
}

// EncodeText serializes the envelope in the text fallback format.
func (e *Envelope) EncodeText() ([]byte, error) {
	return codec.Text.Marshal(e)
}

// DecodeEnvelope parses an envelope, accepting both wire formats.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if _, err := codec.Decode(data, &e); err != nil {
		return nil, fmt.Errorf("channel: decode envelope: %w", err)
	}
	return &e, nil
}
