// Package dispatch is the secure message-dispatch core of a domain node.
// Every externally initiated operation passes through Dispatcher.Dispatch:
// the message kind is resolved in a Registry, the caller is authorized
// against the entry's Policy, the bound ServiceUnit runs, and its result is
// wrapped into a Reply addressed back to the caller.
//
// The package performs no transport I/O and imposes no serialization
// format. Framing, decoding and delivery belong to the node process.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the operation a message requests and the schema its
// payload follows.
type Kind string

// Args holds the kind-specific arguments of a message.
type Args map[string]any

// String returns the string argument stored under key, or "" if it is
// missing or not a string.
func (a Args) String(key string) string {
	if a == nil {
		return ""
	}
	s, _ := a[key].(string)
	return s
}

// Bind decodes the arguments into a typed request struct using its json tags.
func (a Args) Bind(into any) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to bind args: %w", err)
	}
	return nil
}

// Message is an addressed request. It is created by the caller and must not
// be mutated once handed to the Dispatcher.
type Message struct {
	ID        string `json:"id" cbor:"id"`
	Kind      Kind   `json:"kind" cbor:"kind"`
	ReplyTo   string `json:"reply_to" cbor:"reply_to"`
	Payload   Args   `json:"payload,omitempty" cbor:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty" cbor:"timestamp,omitempty"` // Unix seconds
	Signature []byte `json:"signature,omitempty" cbor:"signature,omitempty"`
}

// NewMessage creates a message with a fresh ID and the current timestamp.
func NewMessage(kind Kind, replyTo string, payload Args) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		ReplyTo:   replyTo,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
}

// signingPayload is the canonical form covered by a message signature.
// Field order is fixed by the struct; payload map keys are sorted by
// encoding/json.
type signingPayload struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	ReplyTo   string `json:"reply_to"`
	Payload   Args   `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// SigningBytes returns the bytes a caller signs with its Ed25519 key.
// The signature itself is not part of the signed content.
func (m *Message) SigningBytes() ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = Args{}
	}
	return json.Marshal(signingPayload{
		ID:        m.ID,
		Kind:      m.Kind,
		ReplyTo:   m.ReplyTo,
		Payload:   payload,
		Timestamp: m.Timestamp,
	})
}

// Reply is produced for every successful dispatch. Kind mirrors the inbound
// message so the caller can decode it with the same schema, and Address is
// the inbound ReplyTo.
type Reply struct {
	ID           string `json:"id" cbor:"id"`
	InResponseTo string `json:"in_response_to" cbor:"in_response_to"`
	Kind         Kind   `json:"kind" cbor:"kind"`
	Address      string `json:"address" cbor:"address"`
	Payload      any    `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// newReply builds the reply correlated to msg.
func newReply(msg *Message, result any) *Reply {
	return &Reply{
		ID:           uuid.NewString(),
		InResponseTo: msg.ID,
		Kind:         msg.Kind,
		Address:      msg.ReplyTo,
		Payload:      result,
	}
}
