/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"

	"github.com/kentakayama/keyauth/internal/domain/model"
)

// KeyStore resolves the registered public key of a user.
// Implementations return domain.ErrNotFound for unknown users.
type KeyStore interface {
	FetchPublicKey(ctx context.Context, userID string) (string, error)
}

// UserRepository defines the interface for user persistence.
type UserRepository interface {
	KeyStore
	Create(ctx context.Context, u *model.User) (int64, error)
	FindByName(ctx context.Context, name string) (*model.User, error)
	UpdatePublicKey(ctx context.Context, name string, publicKey string) error
	DeleteByName(ctx context.Context, name string) error
}
