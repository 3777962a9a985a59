/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import (
	"encoding/hex"
	"time"
)

// ChallengeRecord is the server-side state of the single active challenge of a user.
// Solution must never leave the process; use Payload for anything client-visible.
type ChallengeRecord struct {
	UserID     string    `cbor:"1,keyasint"`
	Solution   string    `cbor:"2,keyasint"`
	Ciphertext []byte    `cbor:"3,keyasint"`
	WrappedKey []byte    `cbor:"4,keyasint"`
	Nonce      []byte    `cbor:"5,keyasint"`
	Tag        []byte    `cbor:"6,keyasint"`
	CreatedAt  time.Time `cbor:"7,keyasint"`
	ExpiresAt  time.Time `cbor:"8,keyasint"`
}

// Fresh reports whether the record may still be matched against at now.
func (c *ChallengeRecord) Fresh(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// Payload returns the client-visible part of the record.
func (c *ChallengeRecord) Payload() ChallengePayload {
	return ChallengePayload{
		Session:   hex.EncodeToString(c.WrappedKey),
		Nonce:     hex.EncodeToString(c.Nonce),
		Challenge: hex.EncodeToString(c.Ciphertext),
		Tag:       hex.EncodeToString(c.Tag),
		Expiry:    c.ExpiresAt.Unix(),
	}
}

// ChallengePayload is what a client receives. Session is the wrapped AES key,
// Challenge the encrypted solution.
type ChallengePayload struct {
	Session   string `json:"session" cbor:"1,keyasint"`
	Nonce     string `json:"nonce" cbor:"2,keyasint"`
	Challenge string `json:"challenge" cbor:"3,keyasint"`
	Tag       string `json:"tag" cbor:"4,keyasint"`
	Expiry    int64  `json:"expiry" cbor:"5,keyasint"`
}
