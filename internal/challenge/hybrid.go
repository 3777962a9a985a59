/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"

	"github.com/ProtonMail/go-crypto/eax"
)

const (
	SessionKeySize = 16 // AES-128
	TagSize        = 16
	MinRSAKeyBits  = 2048
)

// Suite fixes the hash of the RSA-OAEP key wrap and the AEAD mode that seals
// a solution.
type Suite struct {
	Name      string
	NonceSize int
	oaepHash  func() hash.Hash
	newAEAD   func(cipher.Block) (cipher.AEAD, error)
}

var (
	// SuiteGCM wraps with OAEP SHA-256 and seals with AES-GCM.
	SuiteGCM = &Suite{
		Name:      "gcm",
		NonceSize: 12,
		oaepHash:  sha256.New,
		newAEAD: func(block cipher.Block) (cipher.AEAD, error) {
			return cipher.NewGCMWithTagSize(block, TagSize)
		},
	}

	// SuiteEAX is what PyCryptodome clients expect from PKCS1_OAEP.new and
	// AES.MODE_EAX: OAEP SHA-1 and a 16-byte EAX nonce.
	SuiteEAX = &Suite{
		Name:      "eax",
		NonceSize: 16,
		oaepHash:  sha1.New,
		newAEAD:   eax.NewEAX,
	}
)

// SuiteByName resolves a suite from configuration. An empty name is SuiteGCM.
func SuiteByName(name string) (*Suite, error) {
	switch name {
	case "", SuiteGCM.Name:
		return SuiteGCM, nil
	case SuiteEAX.Name:
		return SuiteEAX, nil
	default:
		return nil, fmt.Errorf("%w: unknown cipher suite %q", ErrInvalidConfig, name)
	}
}

// Sealed is a solution packaged for the holder of one private key.
type Sealed struct {
	WrappedKey []byte // RSA-OAEP of the session key
	Nonce      []byte
	Ciphertext []byte // AEAD output without the tag
	Tag        []byte
}

// Wrap seals plaintext with SuiteGCM.
func Wrap(plaintext []byte, publicKeyPEM string) (*Sealed, error) {
	return SuiteGCM.Wrap(plaintext, publicKeyPEM)
}

// Wrap encrypts plaintext under a fresh session key and wraps that key for
// the RSA public key given in PEM form. Every call draws a new key and nonce.
func (s *Suite) Wrap(plaintext []byte, publicKeyPEM string) (*Sealed, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	sessionKey, err := GenerateSecret(SessionKeySize)
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateSecret(s.NonceSize)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	aead, err := s.newAEAD(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - TagSize

	wrappedKey, err := rsa.EncryptOAEP(s.oaepHash(), randReader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap session key: %v", ErrEncryptionFailure, err)
	}

	return &Sealed{
		WrappedKey: wrappedKey,
		Nonce:      nonce,
		Ciphertext: out[:split],
		Tag:        out[split:],
	}, nil
}

// ParsePublicKey accepts a PKIX ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC KEY")
// PEM block holding an RSA key of at least MinRSAKeyBits.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPublicKey)
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		rsaPub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: expected RSA key, got %T", ErrInvalidPublicKey, parsed)
		}
		pub = rsaPub
	case "RSA PUBLIC KEY":
		parsed, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub = parsed
	default:
		return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrInvalidPublicKey, block.Type)
	}

	if pub.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: %d-bit modulus is too small", ErrInvalidPublicKey, pub.N.BitLen())
	}
	return pub, nil
}
