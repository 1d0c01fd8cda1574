/*
 * OpenParcel
 * Copyright (C) 2024  The OpenParcel Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/parcel"
)

// UserRecord is a user row together with its password material. Only the
// auth layer should ever see the hash and salt.
type UserRecord struct {
	parcel.User
	// PasswordHash is the hex-encoded PBKDF2 digest of the password.
	PasswordHash string
	// Salt is the hex-encoded per-user salt.
	Salt string
}

// CreateUser inserts a new user and returns its row.
func (s *Storage) CreateUser(ctx context.Context, username, passwordHash, salt string, accessLevel int) (parcel.User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password, salt, access_level) VALUES (?, ?, ?, ?)`,
		username, passwordHash, salt, accessLevel)
	if err != nil {
		return parcel.User{}, convertError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return parcel.User{}, trace.Wrap(err)
	}
	return parcel.User{ID: id, Username: username, AccessLevel: accessLevel}, nil
}

// GetUserByName returns the user with the given username, password material
// included.
func (s *Storage) GetUserByName(ctx context.Context, username string) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password, salt, access_level FROM users WHERE username = ?`,
		username)

	var rec UserRecord
	err := row.Scan(&rec.ID, &rec.Username, &rec.PasswordHash, &rec.Salt, &rec.AccessLevel)
	if err != nil {
		return UserRecord{}, convertError(err)
	}
	return rec, nil
}

// GetUserByID returns the user with the given id.
func (s *Storage) GetUserByID(ctx context.Context, id int64) (parcel.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, access_level FROM users WHERE id = ?`, id)

	var u parcel.User
	if err := row.Scan(&u.ID, &u.Username, &u.AccessLevel); err != nil {
		return parcel.User{}, convertError(err)
	}
	return u, nil
}

// SetUserAccessLevel updates a user's access level.
func (s *Storage) SetUserAccessLevel(ctx context.Context, userID int64, accessLevel int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_level = ? WHERE id = ?`, accessLevel, userID)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("user %v not found", userID)
	}
	return nil
}

// CreateToken stores a new authentication token for a user.
func (s *Storage) CreateToken(ctx context.Context, token string, userID int64, description string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (token, user_id, description) VALUES (?, ?, ?)`,
		token, userID, description)
	return convertError(err)
}

// GetUserByToken resolves an active token to its owner.
func (s *Storage) GetUserByToken(ctx context.Context, token string) (parcel.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.access_level
		 FROM auth_tokens t
		 JOIN users u ON u.id = t.user_id
		 WHERE t.token = ? AND t.active = 1`,
		token)

	var u parcel.User
	if err := row.Scan(&u.ID, &u.Username, &u.AccessLevel); err != nil {
		return parcel.User{}, convertError(err)
	}
	return u, nil
}

// RevokeToken deactivates a token owned by the user. Tokens stay in the
// table for auditing; an inactive token never authenticates again.
func (s *Storage) RevokeToken(ctx context.Context, token string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET active = 0 WHERE token = ? AND user_id = ? AND active = 1`,
		token, userID)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("token not found")
	}
	return nil
}
