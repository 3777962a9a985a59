/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kentakayama/keyauth/internal/domain"
	"github.com/kentakayama/keyauth/internal/domain/model"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// UserRepository handles user and public key persistence.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user and returns the inserted id.
func (r *UserRepository) Create(ctx context.Context, u *model.User) (int64, error) {
	const q = `
		INSERT INTO users (name, email, public_key, created_at)
		VALUES (?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, q, u.Name, u.Email, u.PublicKey, u.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("insert user %q: %w", u.Name, domain.ErrConflict)
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindByName returns a user by name, or domain.ErrNotFound.
func (r *UserRepository) FindByName(ctx context.Context, name string) (*model.User, error) {
	const q = `
		SELECT id, name, email, public_key, created_at
		FROM users
		WHERE name = ?
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, q, name)
	var u model.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PublicKey, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// FetchPublicKey returns the PEM public key registered for name.
func (r *UserRepository) FetchPublicKey(ctx context.Context, name string) (string, error) {
	const q = `
		SELECT public_key
		FROM users
		WHERE name = ?
		LIMIT 1
	`
	var key string
	if err := r.db.QueryRowContext(ctx, q, name).Scan(&key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("scan public key: %w", err)
	}
	return key, nil
}

// UpdatePublicKey replaces the registered key. Outstanding challenges keep
// the old key until they are regenerated.
func (r *UserRepository) UpdatePublicKey(ctx context.Context, name string, publicKey string) error {
	const q = `
		UPDATE users
		SET public_key = ?
		WHERE name = ?
	`
	return r.execAffectingOne(ctx, q, "update user", publicKey, name)
}

// DeleteByName removes a user.
func (r *UserRepository) DeleteByName(ctx context.Context, name string) error {
	const q = `
		DELETE FROM users
		WHERE name = ?
	`
	return r.execAffectingOne(ctx, q, "delete user", name)
}

func (r *UserRepository) execAffectingOne(ctx context.Context, q string, op string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
