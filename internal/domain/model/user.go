/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// User is an API client identified by name, holding one registered public key.
type User struct {
	ID        int64
	Name      string
	Email     string
	PublicKey string // PEM
	CreatedAt time.Time
}
