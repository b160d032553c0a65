package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/dispatch"
)

// ErrIdentityMissing is returned when no key file exists outside dev mode
var ErrIdentityMissing = errors.New("node identity key not found")

// Identity is the node's Ed25519 signing identity
type Identity struct {
	seed      []byte
	private   ed25519.PrivateKey
	VerifyKey dispatch.VerifyKey
}

// NewIdentity builds an identity from a 32-byte seed
func NewIdentity(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		seed:      append([]byte(nil), seed...),
		private:   priv,
		VerifyKey: dispatch.VerifyKey(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// GenerateIdentity creates a fresh random identity
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return NewIdentity(seed)
}

// Seed returns the identity seed. Storage keys are derived from it.
func (id *Identity) Seed() []byte {
	return id.seed
}

// Sign signs data with the node key
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.private, data)
}

// SeedSealer protects the seed at rest
type SeedSealer interface {
	Seal(ctx context.Context, seed []byte) ([]byte, error)
	Open(ctx context.Context, sealed []byte) ([]byte, error)
}

// KMSSealer seals seeds with a KMS key
type KMSSealer struct {
	client *kms.Client
	keyID  string
}

// NewKMSSealer creates a KMS-backed sealer for keyID
func NewKMSSealer(ctx context.Context, region, keyID string) (*KMSSealer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &KMSSealer{client: kms.NewFromConfig(awsCfg), keyID: keyID}, nil
}

func (k *KMSSealer) Seal(ctx context.Context, seed []byte) ([]byte, error) {
	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &k.keyID,
		Plaintext: seed,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt failed: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (k *KMSSealer) Open(ctx context.Context, sealed []byte) ([]byte, error) {
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &k.keyID,
		CiphertextBlob: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if out.Plaintext == nil {
		return nil, fmt.Errorf("KMS decrypt returned no data")
	}
	return out.Plaintext, nil
}

// LoadIdentity reads the node identity from path. The file holds the base64
// seed, sealed by sealer when one is given. In dev mode a missing file is
// replaced by a freshly generated identity.
func LoadIdentity(ctx context.Context, path string, sealer SeedSealer, devMode bool) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if !devMode {
			return nil, fmt.Errorf("%w: %s", ErrIdentityMissing, path)
		}
		log.Warn().Str("path", path).Msg("SECURITY WARNING: Generating dev identity key")
		id, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if err := WriteIdentity(ctx, path, id, sealer); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("identity file is not base64: %w", err)
	}
	if sealer != nil {
		if raw, err = sealer.Open(ctx, raw); err != nil {
			return nil, err
		}
	}
	return NewIdentity(raw)
}

// WriteIdentity stores id at path with owner-only permissions
func WriteIdentity(ctx context.Context, path string, id *Identity, sealer SeedSealer) error {
	raw := id.Seed()
	if sealer != nil {
		sealed, err := sealer.Seal(ctx, raw)
		if err != nil {
			return err
		}
		raw = sealed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}
