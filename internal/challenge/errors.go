/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package challenge

import "errors"

var (
	ErrUnknownUser        = errors.New("unknown user")
	ErrInvalidPublicKey   = errors.New("invalid public key")
	ErrEncryptionFailure  = errors.New("encryption failure")
	ErrEntropyUnavailable = errors.New("entropy unavailable")
	ErrInvalidLength      = errors.New("invalid secret length")
	ErrInvalidConfig      = errors.New("invalid challenge configuration")
)
