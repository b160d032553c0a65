package dispatch

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifyKey is the Ed25519 public key a caller presents. A nil key marks a
// guest caller.
type VerifyKey ed25519.PublicKey

// String returns the hex encoding of the key.
func (k VerifyKey) String() string {
	return hex.EncodeToString(k)
}

// Valid reports whether the key has the length of an Ed25519 public key.
func (k VerifyKey) Valid() bool {
	return len(k) == ed25519.PublicKeySize
}

// ParseVerifyKey decodes a hex or standard base64 encoded Ed25519 public key.
func ParseVerifyKey(s string) (VerifyKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == ed25519.PublicKeySize {
		return VerifyKey(raw), nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: key is neither hex nor base64", ErrInvalidSignature)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidSignature, ed25519.PublicKeySize, len(raw))
	}
	return VerifyKey(raw), nil
}

// Verifier validates the key presented with a message.
type Verifier interface {
	Verify(key VerifyKey, msg *Message) error
}

// Ed25519Verifier requires a detached Ed25519 signature over the message's
// signing bytes.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(key VerifyKey, msg *Message) error {
	if !key.Valid() {
		return fmt.Errorf("%w: malformed verify key (%d bytes)", ErrInvalidSignature, len(key))
	}
	if len(msg.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: missing or truncated signature", ErrInvalidSignature)
	}
	payload, err := msg.SigningBytes()
	if err != nil {
		return fmt.Errorf("%w: failed to create signing payload: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(key), payload, msg.Signature) {
		return fmt.Errorf("%w: signature does not match verify key", ErrInvalidSignature)
	}
	return nil
}

// KeyOnlyVerifier checks only that the key is well formed. It is meant for
// transports that have already verified the signature upstream.
type KeyOnlyVerifier struct{}

func (KeyOnlyVerifier) Verify(key VerifyKey, _ *Message) error {
	if !key.Valid() {
		return fmt.Errorf("%w: malformed verify key (%d bytes)", ErrInvalidSignature, len(key))
	}
	return nil
}

// Sign signs msg in place with priv. Callers use it to build authenticated
// requests; the node uses it in tests and in the CLI.
func Sign(msg *Message, priv ed25519.PrivateKey) error {
	payload, err := msg.SigningBytes()
	if err != nil {
		return fmt.Errorf("failed to create signing payload: %w", err)
	}
	msg.Signature = ed25519.Sign(priv, payload)
	return nil
}
