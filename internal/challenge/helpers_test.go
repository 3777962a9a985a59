/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/eax"
	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/kentakayama/keyauth/internal/domain/model"
)

var (
	keyOnce  sync.Once
	keyPairs []*rsa.PrivateKey
)

// testKey returns one of two 2048-bit keys shared by the whole package.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for range 2 {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			keyPairs = append(keyPairs, k)
		}
	})
	return keyPairs[i]
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey error: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// unwrap is what a client holding the private key does.
func unwrap(key *rsa.PrivateKey, s *Sealed) ([]byte, error) {
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, key, s.WrappedKey, nil)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, s.Ciphertext...), s.Tag...)
	return aead.Open(nil, s.Nonce, sealed, nil)
}

// unwrapEAX follows the PyCryptodome client: PKCS1_OAEP.new(key).decrypt
// then AES.new(session, AES.MODE_EAX, nonce).decrypt_and_verify.
func unwrapEAX(key *rsa.PrivateKey, s *Sealed) ([]byte, error) {
	sessionKey, err := rsa.DecryptOAEP(sha1.New(), nil, key, s.WrappedKey, nil)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	aead, err := eax.NewEAX(block)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, s.Ciphertext...), s.Tag...)
	return aead.Open(nil, s.Nonce, sealed, nil)
}

func unwrapPayload(t *testing.T, key *rsa.PrivateKey, p model.ChallengePayload) (string, error) {
	t.Helper()
	return unwrapPayloadWith(t, unwrap, key, p)
}

func unwrapPayloadWith(t *testing.T, open func(*rsa.PrivateKey, *Sealed) ([]byte, error), key *rsa.PrivateKey, p model.ChallengePayload) (string, error) {
	t.Helper()
	decode := func(s string) []byte {
		b, err := hex.DecodeString(s)
		if err != nil {
			t.Fatalf("payload field is not hex: %v", err)
		}
		return b
	}
	plain, err := open(key, &Sealed{
		WrappedKey: decode(p.Session),
		Nonce:      decode(p.Nonce),
		Ciphertext: decode(p.Challenge),
		Tag:        decode(p.Tag),
	})
	return string(plain), err
}

type keyMap struct {
	mu      sync.Mutex
	keys    map[string]string
	fetches int
}

func newKeyMap(entries map[string]string) *keyMap {
	return &keyMap{keys: entries}
}

func (k *keyMap) FetchPublicKey(_ context.Context, userID string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fetches++
	key, ok := k.keys[userID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return key, nil
}

func (k *keyMap) set(userID, key string) {
	k.mu.Lock()
	k.keys[userID] = key
	k.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errExhausted }

var errExhausted = errors.New("entropy pool exhausted")

func withFailingEntropy(t *testing.T) {
	t.Helper()
	prev := randReader
	randReader = failingReader{}
	t.Cleanup(func() { randReader = prev })
}
