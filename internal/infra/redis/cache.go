/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package redis keeps challenge records in Redis or Valkey so that several
// server instances hand out and validate the same challenge for a user.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/kentakayama/keyauth/internal/domain/model"
	valkey "github.com/redis/go-redis/v9"
)

const DefaultPrefix = "keyauth:challenge:"

var (
	ErrNoURL  = errors.New("redis: no URL defined")
	ErrBadURL = errors.New("redis: URL is invalid")

	errNoMatch = errors.New("redis: no matching challenge")
)

// record timestamps keep sub-second precision across the round trip
var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Cache implements challenge.Cache on top of a Redis client.
type Cache struct {
	rdb    *valkey.Client
	prefix string
	now    func() time.Time
}

// Dial connects to url (redis://host:port/db) and verifies the connection.
func Dial(ctx context.Context, url string) (*Cache, error) {
	if url == "" {
		return nil, ErrNoURL
	}
	opts, err := valkey.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadURL, err)
	}

	rdb := valkey.NewClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("can't ping redis instance: %w", err)
	}

	return New(rdb, DefaultPrefix, nil), nil
}

// New wraps an existing client. A nil now defaults to time.Now.
func New(rdb *valkey.Client, prefix string, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		rdb:    rdb,
		prefix: prefix,
		now:    now,
	}
}

func (c *Cache) key(userID string) string {
	return c.prefix + userID
}

func (c *Cache) Get(ctx context.Context, userID string) (*model.ChallengeRecord, error) {
	data, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, valkey.Nil) {
		return nil, fmt.Errorf("%w: challenge for %q", domain.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("can't fetch from redis: %w", err)
	}

	var rec model.ChallengeRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("can't decode challenge for %q: %w", userID, err)
	}

	// the TTL is only an upper bound, our clock decides; the key itself is
	// left to the TTL since another instance may have replaced it meanwhile
	if !rec.Fresh(c.now()) {
		return nil, fmt.Errorf("%w: challenge for %q expired", domain.ErrNotFound, userID)
	}
	return &rec, nil
}

func (c *Cache) Put(ctx context.Context, rec *model.ChallengeRecord) error {
	if rec == nil || rec.UserID == "" {
		return errors.New("put challenge: record has no user id")
	}

	data, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("can't encode challenge: %w", err)
	}

	// zero would mean "never expire"
	ttl := rec.ExpiresAt.Sub(c.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	if err := c.rdb.Set(ctx, c.key(rec.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("can't set challenge for %q in redis: %w", rec.UserID, err)
	}
	return nil
}

// RemoveMatching deletes the record of userID inside a WATCH/MULTI
// transaction that only commits while the stored nonce equals nonce.
func (c *Cache) RemoveMatching(ctx context.Context, userID string, nonce []byte) error {
	key := c.key(userID)

	err := c.rdb.Watch(ctx, func(tx *valkey.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, valkey.Nil) {
			return errNoMatch
		}
		if err != nil {
			return err
		}

		var rec model.ChallengeRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("can't decode challenge for %q: %w", userID, err)
		}
		if !bytes.Equal(rec.Nonce, nonce) {
			return errNoMatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe valkey.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, errNoMatch), errors.Is(err, valkey.TxFailedErr):
		return fmt.Errorf("%w: challenge for %q", domain.ErrNotFound, userID)
	case err != nil:
		return fmt.Errorf("can't delete from redis: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}
