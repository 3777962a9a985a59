/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kentakayama/keyauth/internal/challenge"
	"github.com/kentakayama/keyauth/internal/config"
	"github.com/kentakayama/keyauth/internal/domain/service"
	"github.com/kentakayama/keyauth/internal/infra/keydir"
	"github.com/kentakayama/keyauth/internal/infra/redis"
	"github.com/kentakayama/keyauth/internal/infra/sqlite"
	"github.com/sirupsen/logrus"
)

const defaultDBPath = "keyauth.db"

// Server wires the HTTP listener and request handling stack.
type Server struct {
	cfg     config.ServerConfig
	handler *handler
	http    *http.Server
	db      *sql.DB
	cache   challenge.Cache
	logger  *logrus.Logger
}

// New constructs a Server using the provided configuration.
func New(ctx context.Context, cfg config.ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.ChallengeTruthLength == 0 {
		cfg.ChallengeTruthLength = challenge.DefaultTruthLength
	}

	db, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	users := sqlite.NewUserRepository(db)

	var keys service.KeyStore = users
	if cfg.KeyDirectory.Logger == nil {
		cfg.KeyDirectory.Logger = logger
	}
	directory, err := keydir.NewClient(cfg.KeyDirectory)
	if err != nil {
		sqlite.CloseDB(db)
		return nil, err
	}
	if directory != nil {
		logger.WithField("url", cfg.KeyDirectory.BaseURL).Info("resolving public keys through key directory")
		keys = directory
	}

	var cache challenge.Cache = challenge.NewMemoryCache(nil)
	if cfg.RedisURL != "" {
		rc, err := redis.Dial(ctx, cfg.RedisURL)
		if err != nil {
			sqlite.CloseDB(db)
			return nil, err
		}
		logger.Info("sharing challenges through redis")
		cache = rc
	}

	suite, err := challenge.SuiteByName(cfg.CipherSuite)
	if err != nil {
		closeAll(db, cache)
		return nil, err
	}

	manager, err := challenge.NewManager(keys, cache, challenge.Config{
		TruthLength: cfg.ChallengeTruthLength,
		Expiry:      cfg.ChallengeExpiry,
		Suite:       suite,
		Logger:      logger,
	})
	if err != nil {
		closeAll(db, cache)
		return nil, err
	}

	envelope, err := loadEnvelope(cfg.SigningKeyPath)
	if err != nil {
		closeAll(db, cache)
		return nil, err
	}
	logger.WithField("kid", fmt.Sprintf("%x", envelope.KeyID())).Info("challenge signing key ready")

	h := newHandler(manager, users, envelope, cfg.AllowOrigin, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		handler: h,
		http:    httpSrv,
		db:      db,
		cache:   cache,
		logger:  logger,
	}, nil
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logrus.Fields{
		"addr":   s.http.Addr,
		"expiry": s.cfg.ChallengeExpiry.String(),
		"suite":  s.handler.challenges.Suite().Name,
	}).Info("running authentication server")

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server and releases storage.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	closeAll(s.db, s.cache)
	return err
}

func loadEnvelope(path string) (*challenge.Envelope, error) {
	if path == "" {
		return challenge.GenerateEnvelope()
	}
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return challenge.LoadEnvelope(keyPEM)
}

func closeAll(db *sql.DB, cache challenge.Cache) {
	sqlite.CloseDB(db)
	if c, ok := cache.(interface{ Close() error }); ok {
		c.Close()
	}
}
