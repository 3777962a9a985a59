/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/keyauth/internal/domain/model"
	"github.com/veraison/go-cose"
)

// Envelope signs challenge payloads with the server's ES256 key so that a
// client pinning that key can detect substituted challenges.
type Envelope struct {
	signer cose.Signer
	public *ecdsa.PublicKey
	kid    []byte
}

func NewEnvelope(key *ecdsa.PrivateKey) (*Envelope, error) {
	if key == nil {
		return nil, errors.New("signing key is nil")
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("signing key must be on P-256")
	}
	signer, err := cose.NewSigner(cose.AlgorithmES256, key)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	kid := sha256.Sum256(der)

	return &Envelope{
		signer: signer,
		public: &key.PublicKey,
		kid:    kid[:],
	}, nil
}

// GenerateEnvelope creates an Envelope around a fresh key that lives only as
// long as the process.
func GenerateEnvelope() (*Envelope, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return NewEnvelope(key)
}

// LoadEnvelope parses a PEM "EC PRIVATE KEY" (SEC 1) or "PRIVATE KEY" (PKCS#8).
func LoadEnvelope(keyPEM []byte) (*Envelope, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in signing key")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		return NewEnvelope(key)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key must be ECDSA, got %T", parsed)
		}
		return NewEnvelope(key)
	default:
		return nil, fmt.Errorf("unsupported signing key PEM type %q", block.Type)
	}
}

// KeyID is the SHA-256 of the DER encoded public key.
func (e *Envelope) KeyID() []byte { return e.kid }

func (e *Envelope) PublicKey() *ecdsa.PublicKey { return e.public }

// Seal returns payload encoded as CBOR inside a tagged COSE_Sign1.
func (e *Envelope) Seal(payload model.ChallengePayload) ([]byte, error) {
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
		},
		Unprotected: cose.UnprotectedHeader{
			cose.HeaderLabelKeyID: e.kid,
		},
	}

	tbs, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return cose.Sign1(rand.Reader, e.signer, headers, tbs, nil)
}

// OpenEnvelope verifies a sealed payload against the server key.
func OpenEnvelope(sealed []byte, pub *ecdsa.PublicKey) (model.ChallengePayload, error) {
	var payload model.ChallengePayload

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return payload, err
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(sealed); err != nil {
		return payload, err
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return payload, err
	}

	if err := cbor.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
