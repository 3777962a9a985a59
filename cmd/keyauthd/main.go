/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/kentakayama/keyauth/internal/challenge"
	"github.com/kentakayama/keyauth/internal/config"
	"github.com/kentakayama/keyauth/internal/server"
	"github.com/sirupsen/logrus"
)

var (
	bind                 = flag.String("bind", ":8080", "network address to bind HTTP to")
	dbPath               = flag.String("db", "keyauth.db", "path of the sqlite database holding users and their public keys")
	truthLength          = flag.Int("challenge-truth-length", challenge.DefaultTruthLength, "random bytes behind each challenge solution")
	challengeExpiry      = flag.Duration("challenge-expiry", challenge.DefaultExpiry, "how long an issued challenge stays valid")
	cipherSuite          = flag.String("cipher-suite", "gcm", "how challenges are sealed: gcm (OAEP SHA-256, AES-GCM) or eax (OAEP SHA-1, AES-EAX, as PyCryptodome clients expect)")
	redisURL             = flag.String("redis-url", "", "if set, share challenges between instances through this redis, e.g. redis://localhost:6379/0")
	signingKeyPath       = flag.String("signing-key", "", "PEM EC P-256 private key signing COSE challenges; a random one is generated if not set")
	allowOrigin          = flag.String("allow-origin", "*", "value of the Access-Control-Allow-Origin header")
	keyDirectoryURL      = flag.String("key-directory-url", "", "if set, fetch public keys from this directory instead of the local database")
	keyDirectoryInsecure = flag.Bool("key-directory-insecure", false, "if true, skip TLS validation for the key directory")
	keyDirectoryTimeout  = flag.Duration("key-directory-timeout", 5*time.Second, "timeout for key directory requests")
	logLevel             = flag.String("log-level", "info", "logging level (trace, debug, info, warn, error)")
	logJSON              = flag.Bool("log-json", false, "if true, emit logs as JSON")
)

func main() {
	flagenv.Prefix = "KEYAUTH_"
	flagenv.Parse()
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger.SetLevel(level)
	if *logJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, config.ServerConfig{
		Addr:                 *bind,
		DBPath:               *dbPath,
		ChallengeTruthLength: *truthLength,
		ChallengeExpiry:      *challengeExpiry,
		CipherSuite:          *cipherSuite,
		RedisURL:             *redisURL,
		SigningKeyPath:       *signingKeyPath,
		AllowOrigin:          *allowOrigin,
		KeyDirectory: config.KeyDirectoryConfig{
			BaseURL:     *keyDirectoryURL,
			InsecureTLS: *keyDirectoryInsecure,
			Timeout:     *keyDirectoryTimeout,
			Logger:      logger,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("can't construct server: %v", err)
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			logger.WithError(err).Error("cannot shut down")
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal(err)
	}
}
