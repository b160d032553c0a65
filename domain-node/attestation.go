package main

import (
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/rs/zerolog/log"
)

// MaxNonceSize is the largest nonce the NSM accepts
const MaxNonceSize = 512

// Attestation binds the node verify key to the enclave measurements
type Attestation struct {
	Document  []byte `json:"document" cbor:"document"`
	PublicKey []byte `json:"public_key" cbor:"public_key"`
	Mock      bool   `json:"mock,omitempty" cbor:"mock,omitempty"`
}

// Attester produces attestation documents
type Attester interface {
	Attest(nonce, publicKey []byte) (*Attestation, error)
}

// NewAttester returns the NSM attester inside a Nitro enclave and the mock
// attester everywhere else
func NewAttester() Attester {
	if _, err := os.Stat("/dev/nsm"); err == nil {
		return NitroAttester{}
	}
	log.Warn().Msg("No NSM device, using mock attestation")
	return MockAttester{ModuleID: "mock-enclave"}
}

// NitroAttester requests signed documents from the Nitro Secure Module
type NitroAttester struct{}

func (NitroAttester) Attest(nonce, publicKey []byte) (*Attestation, error) {
	if len(nonce) > MaxNonceSize {
		return nil, fmt.Errorf("nonce exceeds %d bytes", MaxNonceSize)
	}
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	defer sess.Close()

	res, err := sess.Send(&request.Attestation{
		Nonce:     nonce,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attestation from NSM: %w", err)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, fmt.Errorf("NSM returned empty attestation document")
	}

	log.Debug().Int("doc_len", len(res.Attestation.Document)).Msg("Generated Nitro attestation document")
	return &Attestation{Document: res.Attestation.Document, PublicKey: publicKey}, nil
}

// MockDocument is the CBOR body of a mock attestation
type MockDocument struct {
	ModuleID  string         `cbor:"module_id"`
	Timestamp int64          `cbor:"timestamp"`
	Nonce     []byte         `cbor:"nonce"`
	PCRs      map[int][]byte `cbor:"pcrs"`
	PublicKey []byte         `cbor:"public_key"`
}

// MockAttester produces unsigned CBOR documents for development
type MockAttester struct {
	ModuleID string
}

func (m MockAttester) Attest(nonce, publicKey []byte) (*Attestation, error) {
	if len(nonce) > MaxNonceSize {
		return nil, fmt.Errorf("nonce exceeds %d bytes", MaxNonceSize)
	}
	doc := MockDocument{
		ModuleID:  m.ModuleID,
		Timestamp: time.Now().Unix(),
		Nonce:     nonce,
		PCRs:      map[int][]byte{0: mockPCR(0), 1: mockPCR(1), 2: mockPCR(2)},
		PublicKey: publicKey,
	}
	data, err := cbor.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mock document: %w", err)
	}
	return &Attestation{Document: data, PublicKey: publicKey, Mock: true}, nil
}

func mockPCR(index int) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("mock-pcr-%d-development", index)))
	return sum[:]
}
