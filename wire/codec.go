// Package wire holds the envelope formats and codecs shared by the domain
// node transports and their clients.
package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/pcsoni007/syft-node/dispatch"
)

// Content types understood by the transports
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec encodes envelopes for the wire
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Envelope is an inbound request. VerifyKey is hex or base64 and is empty
// for guest callers.
type Envelope struct {
	Message   *dispatch.Message `json:"message" cbor:"message"`
	VerifyKey string            `json:"verify_key,omitempty" cbor:"verify_key,omitempty"`
}

// Error is the error half of a reply body
type Error struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// ReplyBody is exactly one of Reply or Error, addressed to the caller
type ReplyBody struct {
	InResponseTo string          `json:"in_response_to" cbor:"in_response_to"`
	Address      string          `json:"address" cbor:"address"`
	Reply        *dispatch.Reply `json:"reply,omitempty" cbor:"reply,omitempty"`
	Error        *Error          `json:"error,omitempty" cbor:"error,omitempty"`
}

// SignedReply carries the encoded body and the node's signature over it
type SignedReply struct {
	Body      []byte `json:"body" cbor:"body"`
	NodeKey   string `json:"node_key" cbor:"node_key"`
	Signature []byte `json:"signature" cbor:"signature"`
}

// JSONCodec is the default codec
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) ContentType() string                { return ContentTypeJSON }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec encodes with core deterministic CBOR and decodes maps as
// map[string]any so payloads look the same as under JSON
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a CBOR codec
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string                       { return "cbor" }
func (c *CBORCodec) ContentType() string                { return ContentTypeCBOR }
func (c *CBORCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *CBORCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Codecs resolves codecs by name or content type
type Codecs struct {
	byName   map[string]Codec
	fallback Codec
}

// NewCodecs builds the codec set with defaultName as the fallback
func NewCodecs(defaultName string) (*Codecs, error) {
	cb, err := NewCBORCodec()
	if err != nil {
		return nil, err
	}
	c := &Codecs{byName: map[string]Codec{"json": JSONCodec{}, "cbor": cb}}
	fallback, ok := c.byName[defaultName]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", defaultName)
	}
	c.fallback = fallback
	return c, nil
}

// Default returns the fallback codec
func (c *Codecs) Default() Codec {
	return c.fallback
}

// ForContentType returns the codec for a MIME type; parameters are ignored
// and an empty type selects the default
func (c *Codecs) ForContentType(contentType string) (Codec, error) {
	mt, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "":
		return c.fallback, nil
	case ContentTypeJSON:
		return c.byName["json"], nil
	case ContentTypeCBOR:
		return c.byName["cbor"], nil
	}
	return nil, fmt.Errorf("unsupported content type %q", contentType)
}

// ByName returns the codec named n
func (c *Codecs) ByName(n string) (Codec, bool) {
	codec, ok := c.byName[n]
	return codec, ok
}
