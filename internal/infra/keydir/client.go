/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package keydir

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kentakayama/keyauth/internal/config"
	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "keyauth/keydir-client"
	maxKeyBytes      = 64 << 10
)

// Client fetches user public keys from a key directory service exposing
// GET {base}/keys/{user} with a PEM body.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	logger     *logrus.Logger
}

// NewClient returns nil without error when no directory is configured.
func NewClient(cfg config.KeyDirectoryConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, nil
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse key directory URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported key directory scheme %q", base.Scheme)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{}
	if base.Scheme == "https" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		timeout: timeout,
		logger:  logger,
	}, nil
}

// FetchPublicKey returns domain.ErrNotFound when the directory answers 404.
func (c *Client) FetchPublicKey(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	keyURL := c.baseURL.JoinPath("keys", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/x-pem-file, text/plain")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform key request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: key of %q", domain.ErrNotFound, userID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		c.logger.WithFields(logrus.Fields{
			"user":   userID,
			"status": resp.Status,
		}).Warn("key directory refused request")
		return "", fmt.Errorf("unexpected key directory status %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBytes+1))
	if err != nil {
		return "", fmt.Errorf("read key body: %w", err)
	}
	if len(body) > maxKeyBytes {
		return "", fmt.Errorf("key of %q exceeds %d bytes", userID, maxKeyBytes)
	}
	return string(body), nil
}
