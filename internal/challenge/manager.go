/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/kentakayama/keyauth/internal/domain/model"
	"github.com/kentakayama/keyauth/internal/domain/service"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTruthLength = 32
	DefaultExpiry      = 300 * time.Second
)

// Config tunes challenge generation.
type Config struct {
	TruthLength int           // random bytes in a solution, before hex encoding
	Expiry      time.Duration // lifetime of a challenge; zero expires it immediately
	Suite       *Suite        // nil is SuiteGCM
	Now         func() time.Time
	Logger      *logrus.Logger
}

// Manager issues and validates challenges for users whose public keys are
// resolved through a KeyStore.
type Manager struct {
	keys        service.KeyStore
	cache       Cache
	truthLength int
	expiry      time.Duration
	suite       *Suite
	now         func() time.Time
	logger      *logrus.Logger

	// serializes the re-check-and-put step per user so concurrent issuers converge
	issuing userLocks
}

func NewManager(keys service.KeyStore, cache Cache, cfg Config) (*Manager, error) {
	if keys == nil || cache == nil {
		return nil, fmt.Errorf("%w: key store and cache are required", ErrInvalidConfig)
	}
	if cfg.TruthLength <= 0 {
		return nil, fmt.Errorf("%w: truth length %d", ErrInvalidConfig, cfg.TruthLength)
	}
	if cfg.Expiry < 0 {
		return nil, fmt.Errorf("%w: negative expiry %s", ErrInvalidConfig, cfg.Expiry)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	suite := cfg.Suite
	if suite == nil {
		suite = SuiteGCM
	}

	return &Manager{
		keys:        keys,
		cache:       cache,
		truthLength: cfg.TruthLength,
		expiry:      cfg.Expiry,
		suite:       suite,
		now:         now,
		logger:      logger,
	}, nil
}

// EnsureFresh returns the active challenge of userID, generating a new one
// when there is none or the previous one expired.
func (m *Manager) EnsureFresh(ctx context.Context, userID string) (*model.ChallengeRecord, error) {
	rec, err := m.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		challengesReused.Inc()
		return rec, nil
	}

	// key fetch and sealing stay outside the lock
	issued, err := m.issue(ctx, userID)
	if err != nil {
		return nil, err
	}

	unlock := m.issuing.lock(userID)
	defer unlock()

	winner, err := m.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		return winner, nil
	}
	if err := m.cache.Put(ctx, issued); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	challengesIssued.Inc()

	m.logger.WithFields(logrus.Fields{
		"user":       userID,
		"expires_at": issued.ExpiresAt.UTC().Format(time.RFC3339),
	}).Debug("issued challenge")
	return issued, nil
}

// Suite reports how challenges are sealed.
func (m *Manager) Suite() *Suite { return m.suite }

// GetChallenge returns the client-visible form of the active challenge.
func (m *Manager) GetChallenge(ctx context.Context, userID string) (model.ChallengePayload, error) {
	rec, err := m.EnsureFresh(ctx, userID)
	if err != nil {
		return model.ChallengePayload{}, err
	}
	return rec.Payload(), nil
}

// CheckSolution reports whether submitted equals the active solution of userID
// without consuming it. A user without an active challenge gets a new one and
// the check fails. Unknown users yield false together with ErrUnknownUser.
func (m *Manager) CheckSolution(ctx context.Context, userID string, submitted string) (bool, error) {
	rec, err := m.match(ctx, userID, submitted)
	if rec == nil || err != nil {
		return false, err
	}
	validations.WithLabelValues("match").Inc()
	return true, nil
}

// Redeem is CheckSolution followed by removal of the matched challenge in one
// atomic cache step. Of concurrent callers presenting the same solution only
// one gets true.
func (m *Manager) Redeem(ctx context.Context, userID string, submitted string) (bool, error) {
	rec, err := m.match(ctx, userID, submitted)
	if rec == nil || err != nil {
		return false, err
	}

	err = m.cache.RemoveMatching(ctx, userID, rec.Nonce)
	if errors.Is(err, domain.ErrNotFound) {
		validations.WithLabelValues("replayed").Inc()
		return false, nil
	}
	if err != nil {
		validations.WithLabelValues("error").Inc()
		return false, fmt.Errorf("consume challenge: %w", err)
	}
	validations.WithLabelValues("match").Inc()
	return true, nil
}

// match returns the active record of userID when submitted is its solution.
func (m *Manager) match(ctx context.Context, userID string, submitted string) (*model.ChallengeRecord, error) {
	rec, err := m.EnsureFresh(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			validations.WithLabelValues("unknown_user").Inc()
		} else {
			validations.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(submitted), []byte(rec.Solution)) == 1 && rec.Fresh(m.now()) {
		return rec, nil
	}
	validations.WithLabelValues("mismatch").Inc()
	return nil, nil
}

// lookup returns the fresh record of userID or nil. Stale records a cache
// hands back are evicted here, unless a newer record already replaced them.
func (m *Manager) lookup(ctx context.Context, userID string) (*model.ChallengeRecord, error) {
	rec, err := m.cache.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup challenge: %w", err)
	}
	if rec.Fresh(m.now()) {
		return rec, nil
	}
	if err := m.cache.RemoveMatching(ctx, userID, rec.Nonce); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("evict challenge: %w", err)
	}
	return nil, nil
}

func (m *Manager) issue(ctx context.Context, userID string) (*model.ChallengeRecord, error) {
	start := time.Now()
	defer func() { issueDuration.Observe(time.Since(start).Seconds()) }()

	// never cached, so a rotated key takes effect on the next challenge
	publicKey, err := m.keys.FetchPublicKey(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}

	raw, err := GenerateSecret(m.truthLength)
	if err != nil {
		m.logger.WithError(err).Error("cannot generate challenge solution")
		return nil, err
	}
	solution := hex.EncodeToString(raw)

	sealed, err := m.suite.Wrap([]byte(solution), publicKey)
	if err != nil {
		if !errors.Is(err, ErrInvalidPublicKey) {
			m.logger.WithError(err).WithField("user", userID).Error("cannot seal challenge")
		}
		return nil, err
	}

	now := m.now()
	return &model.ChallengeRecord{
		UserID:     userID,
		Solution:   solution,
		Ciphertext: sealed.Ciphertext,
		WrappedKey: sealed.WrappedKey,
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.expiry),
	}, nil
}

// userLocks hands out one mutex per user, dropped once nobody holds or waits
// for it.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
