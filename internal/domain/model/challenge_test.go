/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeRecord_Fresh(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &ChallengeRecord{ExpiresAt: now.Add(time.Second)}

	assert.True(t, rec.Fresh(now))
	assert.False(t, rec.Fresh(now.Add(time.Second)), "expiry instant itself is stale")
	assert.False(t, rec.Fresh(now.Add(time.Minute)))

	var missing *ChallengeRecord
	assert.False(t, missing.Fresh(now))
}

func TestChallengeRecord_PayloadRedactsSolution(t *testing.T) {
	rec := &ChallengeRecord{
		UserID:     "alice",
		Solution:   "top-secret-solution",
		Ciphertext: []byte{0xde, 0xad},
		WrappedKey: []byte{0xbe, 0xef},
		Nonce:      []byte{0x01, 0x02},
		Tag:        []byte{0x0a},
		ExpiresAt:  time.Unix(1700000300, 0),
	}

	p := rec.Payload()
	assert.Equal(t, "dead", p.Challenge)
	assert.Equal(t, "beef", p.Session)
	assert.Equal(t, "0102", p.Nonce)
	assert.Equal(t, "0a", p.Tag)
	assert.Equal(t, int64(1700000300), p.Expiry)

	encoded, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "top-secret-solution")
	assert.JSONEq(t, `{"session":"beef","nonce":"0102","challenge":"dead","tag":"0a","expiry":1700000300}`, string(encoded))
}
