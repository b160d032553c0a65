package wire

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/pcsoni007/syft-node/dispatch"
)

// ErrBadReplySignature is returned by Open when the node signature does not
// cover the reply body
var ErrBadReplySignature = errors.New("reply signature invalid")

// Seal encodes body and signs the encoding with priv
func Seal(codec Codec, body *ReplyBody, priv ed25519.PrivateKey) ([]byte, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return nil, err
	}
	return SealEncoded(codec, encoded, priv)
}

// SealEncoded signs an already encoded reply body
func SealEncoded(codec Codec, encoded []byte, priv ed25519.PrivateKey) ([]byte, error) {
	signed := SignedReply{
		Body:      encoded,
		NodeKey:   dispatch.VerifyKey(priv.Public().(ed25519.PublicKey)).String(),
		Signature: ed25519.Sign(priv, encoded),
	}
	out, err := codec.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed reply: %w", err)
	}
	return out, nil
}

// Open decodes a signed reply, checks the node signature and returns the
// body with the key that signed it. When expect is non-nil the reply must be
// signed by that key.
func Open(codec Codec, data []byte, expect dispatch.VerifyKey) (*ReplyBody, dispatch.VerifyKey, error) {
	var signed SignedReply
	if err := codec.Unmarshal(data, &signed); err != nil {
		return nil, nil, fmt.Errorf("failed to decode signed reply: %w", err)
	}
	nodeKey, err := dispatch.ParseVerifyKey(signed.NodeKey)
	if err != nil || !nodeKey.Valid() {
		return nil, nil, fmt.Errorf("%w: bad node key", ErrBadReplySignature)
	}
	if expect != nil && nodeKey.String() != expect.String() {
		return nil, nil, fmt.Errorf("%w: signed by %s", ErrBadReplySignature, nodeKey)
	}
	if !ed25519.Verify(ed25519.PublicKey(nodeKey), signed.Body, signed.Signature) {
		return nil, nil, ErrBadReplySignature
	}

	var body ReplyBody
	if err := codec.Unmarshal(signed.Body, &body); err != nil {
		return nil, nil, fmt.Errorf("failed to decode reply body: %w", err)
	}
	return &body, nodeKey, nil
}
