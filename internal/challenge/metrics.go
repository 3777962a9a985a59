/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyauth_challenges_issued_total",
		Help: "Challenges generated because none was active for the user",
	})

	challengesReused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyauth_challenges_reused_total",
		Help: "Challenge lookups answered from an unexpired cached record",
	})

	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyauth_validations_total",
		Help: "Solution checks by outcome",
	}, []string{"result"})

	issueDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyauth_challenge_issue_seconds",
		Help:    "Time spent fetching the key and sealing a new challenge",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)
