// Package protocol defines the control messages nodes and the master
// exchange over broker queues.
//
// Every message is a [Message] whose Type discriminates the body. Messages
// travel in the binary codec; decoding accepts the text codec as well so
// tools and other implementations can speak JSON.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/fabric/codec"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/subscription"
)

// Type discriminates message bodies.
type Type string

// Message types.
const (
	TypeHeartbeat         Type = "heartbeat"
	TypeUploadRequest     Type = "upload_request"
	TypeUploadResponse    Type = "upload_response"
	TypeRemoveRequest     Type = "remove_request"
	TypeRemoveResponse    Type = "remove_response"
	TypeSetStatusRequest  Type = "set_status_request"
	TypeSetStatusResponse Type = "set_status_response"
	TypeControlRequest    Type = "control_request"
	TypeControlResponse   Type = "control_response"
)

// IsResponse reports whether t answers a request.
func (t Type) IsResponse() bool {
	switch t {
	case TypeUploadResponse, TypeRemoveResponse, TypeSetStatusResponse, TypeControlResponse:
		return true
	}
	return false
}

// Message is the unit exchanged on control queues.
type Message struct {
	Type Type         `json:"type" msgpack:"type"`
	ID   id.RequestID `json:"id,omitzero" msgpack:"id"`
	Body []byte       `json:"body" msgpack:"body"`
}

// New builds a message carrying body encoded in the binary codec.
func New(t Type, requestID id.RequestID, body any) (*Message, error) {
	raw, err := codec.Binary.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s body: %w", t, err)
	}
	return &Message{Type: t, ID: requestID, Body: raw}, nil
}

// Encode serializes m in the binary codec.
func (m *Message) Encode() ([]byte, error) {
	return codec.Binary.Marshal(m)
}

// Decode parses a message in either codec.
func Decode(data []byte) (*Message, error) {
	var m Message
	if _, err := codec.Decode(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}
	if m.Type == "" {
		return nil, errors.New("protocol: message without type")
	}
	return &m, nil
}

// Into decodes the body into v.
func (m *Message) Into(v any) error {
	if _, err := codec.Decode(m.Body, v); err != nil {
		return fmt.Errorf("protocol: decode %s body: %w", m.Type, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Bodies
// ──────────────────────────────────────────────────

// Heartbeat is published periodically by every node to the master queue.
type Heartbeat struct {
	Node          string                 `json:"node" msgpack:"node"`
	Host          string                 `json:"host" msgpack:"host"`
	CPU           float64                `json:"cpu" msgpack:"cpu"`
	FreeMemory    uint64                 `json:"free_memory" msgpack:"free_memory"`
	Subscriptions []subscription.Summary `json:"subscriptions" msgpack:"subscriptions"`
	SentAt        time.Time              `json:"sent_at" msgpack:"sent_at"`
}

// Names returns the names of the reported subscriptions.
func (h *Heartbeat) Names() []string {
	names := make([]string, len(h.Subscriptions))
	for i, s := range h.Subscriptions {
		names[i] = s.Name
	}
	return names
}

// Outcome is a node's answer for one subscription of a request.
type Outcome string

// Outcomes.
const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Result reports the outcome for one subscription name.
type Result struct {
	Name    string  `json:"name" msgpack:"name"`
	Outcome Outcome `json:"outcome" msgpack:"outcome"`
	Error   string  `json:"error,omitempty" msgpack:"error,omitempty"`
}

// UploadRequest asks a node to host definitions. Definitions are tagged
// text documents produced by subscription.Encode.
type UploadRequest struct {
	Definitions [][]byte `json:"definitions" msgpack:"definitions"`
	Recovery    bool     `json:"recovery,omitempty" msgpack:"recovery,omitempty"`
}

// NewUploadRequest encodes defs into an upload request.
func NewUploadRequest(defs []subscription.Definition, recovery bool) (*UploadRequest, error) {
	docs, err := subscription.EncodeAll(defs)
	if err != nil {
		return nil, err
	}
	return &UploadRequest{Definitions: docs, Recovery: recovery}, nil
}

// RemoveRequest asks a node to stop and drop subscriptions.
type RemoveRequest struct {
	Names []string `json:"names" msgpack:"names"`
}

// SetStatusRequest asks a node to start or stop subscriptions.
type SetStatusRequest struct {
	Names []string `json:"names" msgpack:"names"`
	Start bool     `json:"start" msgpack:"start"`
}

// ControlRequest delivers a named message to one hosted subscription.
type ControlRequest struct {
	Subscription string `json:"subscription" msgpack:"subscription"`
	Message      string `json:"message" msgpack:"message"`
	Payload      []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Response answers upload, remove and set-status requests.
type Response struct {
	Node    string   `json:"node" msgpack:"node"`
	Results []Result `json:"results" msgpack:"results"`
}

// ControlResponse answers a ControlRequest.
type ControlResponse struct {
	Node         string `json:"node" msgpack:"node"`
	Subscription string `json:"subscription" msgpack:"subscription"`
	Payload      []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Error        string `json:"error,omitempty" msgpack:"error,omitempty"`
}
