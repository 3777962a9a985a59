package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ServerConfig captures the tunables required to start the authentication server.
type ServerConfig struct {
	Addr   string
	DBPath string

	// random bytes per solution; the solution itself is their hex encoding
	ChallengeTruthLength int
	ChallengeExpiry      time.Duration

	// "gcm" (default) or "eax" for PyCryptodome clients
	CipherSuite string

	// empty keeps challenges in process memory
	RedisURL string

	// PEM EC P-256 key for COSE-signed challenges; empty generates one per process
	SigningKeyPath string

	AllowOrigin  string
	KeyDirectory KeyDirectoryConfig
	Logger       *logrus.Logger
}

// KeyDirectoryConfig points at a remote service that owns user public keys.
// An empty BaseURL means keys come from the local database.
type KeyDirectoryConfig struct {
	BaseURL     string
	InsecureTLS bool
	Timeout     time.Duration
	Logger      *logrus.Logger
}
