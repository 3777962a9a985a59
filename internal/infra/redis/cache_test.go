/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/kentakayama/keyauth/internal/domain/model"
	valkey "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := valkey.NewClient(&valkey.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := &clock{t: time.Date(2025, 1, 2, 3, 4, 5, 678000000, time.UTC)}
	return New(rdb, "test:", clk.Now), mr, clk
}

func TestCache_GetPutRemove(t *testing.T) {
	ctx := context.Background()
	c, mr, clk := newTestCache(t)

	_, err := c.Get(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rec := &model.ChallengeRecord{
		UserID:     "alice",
		Solution:   "abcd",
		Ciphertext: []byte{1, 2},
		WrappedKey: []byte{3, 4},
		Nonce:      []byte{5, 6},
		Tag:        []byte{7, 8},
		CreatedAt:  clk.Now(),
		ExpiresAt:  clk.Now().Add(5 * time.Minute),
	}
	require.NoError(t, c.Put(ctx, rec))
	assert.True(t, mr.Exists("test:alice"))
	assert.Equal(t, 5*time.Minute, mr.TTL("test:alice"))

	got, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.Solution, got.Solution)
	assert.Equal(t, rec.Nonce, got.Nonce)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt), "expiry keeps sub-second precision")
	assert.Equal(t, rec.Payload(), got.Payload())

	assert.ErrorIs(t, c.RemoveMatching(ctx, "alice", []byte{9, 9}), domain.ErrNotFound)
	assert.True(t, mr.Exists("test:alice"), "a foreign nonce removes nothing")

	require.NoError(t, c.RemoveMatching(ctx, "alice", rec.Nonce))
	_, err = c.Get(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, c.RemoveMatching(ctx, "alice", rec.Nonce), domain.ErrNotFound)
}

func TestCache_RemoveMatchingOnce(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newTestCache(t)
	require.NoError(t, c.Put(ctx, &model.ChallengeRecord{
		UserID:    "alice",
		Nonce:     []byte{1, 2, 3},
		ExpiresAt: clk.Now().Add(time.Minute),
	}))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.RemoveMatching(ctx, "alice", []byte{1, 2, 3})
		}(i)
	}
	wg.Wait()

	removed := 0
	for _, err := range errs {
		if err == nil {
			removed++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, 1, removed)
}

func TestCache_ExpiredByClock(t *testing.T) {
	ctx := context.Background()
	c, mr, clk := newTestCache(t)

	require.NoError(t, c.Put(ctx, &model.ChallengeRecord{
		UserID:    "bob",
		ExpiresAt: clk.Now().Add(time.Minute),
	}))

	clk.Advance(time.Minute)
	_, err := c.Get(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, mr.Exists("test:bob"), "stale keys are left to their TTL")
}

func TestCache_StaleReadKeepsNewerRecord(t *testing.T) {
	ctx := context.Background()
	lagging, mr, clk := newTestCache(t)

	// a second instance sharing the server, whose clock is ahead
	rdb := valkey.NewClient(&valkey.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ahead := New(rdb, "test:", func() time.Time { return clk.Now().Add(time.Hour) })

	require.NoError(t, lagging.Put(ctx, &model.ChallengeRecord{
		UserID:    "bob",
		Nonce:     []byte{1},
		ExpiresAt: clk.Now().Add(2 * time.Hour),
	}))
	clk.Advance(3 * time.Hour)

	// lagging reads the record as stale while the other instance replaces it
	_, err := lagging.Get(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, ahead.Put(ctx, &model.ChallengeRecord{
		UserID:    "bob",
		Nonce:     []byte{2},
		ExpiresAt: clk.Now().Add(2 * time.Hour),
	}))
	assert.ErrorIs(t, lagging.RemoveMatching(ctx, "bob", []byte{1}), domain.ErrNotFound)

	got, err := ahead.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got.Nonce)
}

func TestCache_ExpiredByTTL(t *testing.T) {
	ctx := context.Background()
	c, mr, clk := newTestCache(t)

	require.NoError(t, c.Put(ctx, &model.ChallengeRecord{
		UserID:    "carol",
		ExpiresAt: clk.Now().Add(time.Minute),
	}))
	mr.FastForward(time.Minute)

	_, err := c.Get(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCache_AlreadyExpiredRecordGetsMinimalTTL(t *testing.T) {
	ctx := context.Background()
	c, mr, clk := newTestCache(t)

	require.NoError(t, c.Put(ctx, &model.ChallengeRecord{UserID: "dave", ExpiresAt: clk.Now()}))
	assert.Equal(t, time.Millisecond, mr.TTL("test:dave"))
}

func TestCache_DecodeFailure(t *testing.T) {
	ctx := context.Background()
	c, mr, _ := newTestCache(t)

	require.NoError(t, mr.Set("test:eve", "}"))
	_, err := c.Get(ctx, "eve")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Dial(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoURL)
	_, err = Dial(context.Background(), "http://[::1")
	assert.ErrorIs(t, err, ErrBadURL)
}
