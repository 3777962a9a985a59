/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/kentakayama/keyauth/internal/domain/model"
)

// Cache holds at most one challenge record per user.
type Cache interface {
	// Get returns the record of userID, or domain.ErrNotFound when there is
	// none or it has expired. Expired records are evicted on access.
	Get(ctx context.Context, userID string) (*model.ChallengeRecord, error)

	// Put stores rec, replacing any record of the same user.
	Put(ctx context.Context, rec *model.ChallengeRecord) error

	// RemoveMatching deletes the record of userID only while its nonce equals
	// nonce, in one atomic step. It returns domain.ErrNotFound when there is no
	// such record, so of two callers holding the same record only one succeeds.
	RemoveMatching(ctx context.Context, userID string, nonce []byte) error
}

// MemoryCache is a process-local Cache. Its content is lost on restart, which
// invalidates every outstanding challenge.
type MemoryCache struct {
	mu      sync.Mutex
	records map[string]*model.ChallengeRecord
	now     func() time.Time
}

// NewMemoryCache creates an empty cache. A nil now defaults to time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		records: make(map[string]*model.ChallengeRecord),
		now:     now,
	}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (*model.ChallengeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[userID]
	if !ok {
		return nil, fmt.Errorf("%w: challenge for %q", domain.ErrNotFound, userID)
	}
	if !rec.Fresh(c.now()) {
		delete(c.records, userID)
		return nil, fmt.Errorf("%w: challenge for %q expired", domain.ErrNotFound, userID)
	}

	cp := *rec
	return &cp, nil
}

func (c *MemoryCache) Put(_ context.Context, rec *model.ChallengeRecord) error {
	if rec == nil || rec.UserID == "" {
		return errors.New("put challenge: record has no user id")
	}
	cp := *rec

	c.mu.Lock()
	c.records[rec.UserID] = &cp
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) RemoveMatching(_ context.Context, userID string, nonce []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[userID]
	if !ok || !bytes.Equal(rec.Nonce, nonce) {
		return fmt.Errorf("%w: challenge for %q", domain.ErrNotFound, userID)
	}
	delete(c.records, userID)
	return nil
}

// Len reports how many records are held, including ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
