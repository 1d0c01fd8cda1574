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

// Package auth handles user registration, credential verification and the
// personal access tokens API clients authenticate with.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/pbkdf2"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/parcel"
	"github.com/openparcel/openparcel/lib/storage"
)

// usernameRe matches acceptable usernames: lowercase, starting with a
// letter, with digits and underscores allowed after it.
var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)

const (
	minUsernameLength = 3
	maxUsernameLength = 30
	minPasswordLength = 6
	maxPasswordLength = 250
)

// Config configures the auth service.
type Config struct {
	// Storage persists users and tokens.
	Storage *storage.Storage
	// Logger emits auth diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing storage")
	}
	if c.Logger == nil {
		c.Logger = slog.With(openparcel.ComponentKey, openparcel.ComponentWeb)
	}
	return nil
}

// Service verifies and manages user credentials.
type Service struct {
	cfg Config
}

// New creates the auth service.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// CheckUsername validates a candidate username. A missing username is a
// bad parameter; a present but unacceptable one is a validation error.
func CheckUsername(username string) error {
	if username == "" {
		return trace.BadParameter("missing username")
	}
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return openparcel.NewValidationError("username must be between %d and %d characters long",
			minUsernameLength, maxUsernameLength)
	}
	if !usernameRe.MatchString(username) {
		return openparcel.NewValidationError("username must be lowercase, start with a letter and contain only letters, digits and underscores")
	}
	return nil
}

// CheckPassword validates a candidate password. A missing password is a
// bad parameter; a present but unacceptable one is a validation error.
func CheckPassword(password string) error {
	if password == "" {
		return trace.BadParameter("missing password")
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return openparcel.NewValidationError("password must be between %d and %d characters long",
			minPasswordLength, maxPasswordLength)
	}
	return nil
}

// hashPassword derives the storage digest for a password and salt.
func hashPassword(password string, salt []byte) string {
	digest := pbkdf2.Key([]byte(password), salt,
		defaults.PasswordHashIterations, defaults.PasswordHashBytes, sha256.New)
	return hex.EncodeToString(digest)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password string) (parcel.User, error) {
	if err := CheckUsername(username); err != nil {
		return parcel.User{}, trace.Wrap(err)
	}
	if err := CheckPassword(password); err != nil {
		return parcel.User{}, trace.Wrap(err)
	}

	salt := make([]byte, defaults.PasswordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return parcel.User{}, trace.Wrap(err)
	}
	user, err := s.cfg.Storage.CreateUser(ctx, username,
		hashPassword(password, salt), hex.EncodeToString(salt), 0)
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return parcel.User{}, trace.AlreadyExists("username %q is already taken", username)
		}
		return parcel.User{}, trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "Registered new user.", "user", username)
	return user, nil
}

// Authenticate resolves a "username:secret" credential pair to a user. The
// secret may be either a personal access token or the account password;
// tokens are tried first. Every failure comes back as the same AccessDenied
// so callers cannot probe which part was wrong.
func (s *Service) Authenticate(ctx context.Context, credentials string) (parcel.User, error) {
	username, secret, found := strings.Cut(credentials, ":")
	if !found || username == "" || secret == "" {
		return parcel.User{}, trace.AccessDenied("invalid credentials")
	}

	if user, err := s.cfg.Storage.GetUserByToken(ctx, secret); err == nil {
		if user.Username == username {
			return user, nil
		}
		return parcel.User{}, trace.AccessDenied("invalid credentials")
	}

	return s.checkPassword(ctx, username, secret)
}

// AuthenticatePassword resolves a "username:password" pair to a user,
// accepting only the account password. Token issuance goes through this so
// a leaked token cannot mint further tokens.
func (s *Service) AuthenticatePassword(ctx context.Context, credentials string) (parcel.User, error) {
	username, secret, found := strings.Cut(credentials, ":")
	if !found || username == "" || secret == "" {
		return parcel.User{}, trace.AccessDenied("invalid credentials")
	}
	return s.checkPassword(ctx, username, secret)
}

func (s *Service) checkPassword(ctx context.Context, username, password string) (parcel.User, error) {
	rec, err := s.cfg.Storage.GetUserByName(ctx, username)
	if err != nil {
		// Burn a hash anyway so unknown usernames take as long as bad
		// passwords.
		hashPassword(password, make([]byte, defaults.PasswordSaltBytes))
		return parcel.User{}, trace.AccessDenied("invalid credentials")
	}
	salt, err := hex.DecodeString(rec.Salt)
	if err != nil {
		return parcel.User{}, trace.Wrap(err)
	}
	if subtle.ConstantTimeCompare(
		[]byte(hashPassword(password, salt)), []byte(rec.PasswordHash)) != 1 {
		return parcel.User{}, trace.AccessDenied("invalid credentials")
	}
	return rec.User, nil
}

// IssueToken mints a personal access token for the user.
func (s *Service) IssueToken(ctx context.Context, user parcel.User, description string) (string, error) {
	buf := make([]byte, defaults.TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	token := hex.EncodeToString(buf)
	if err := s.cfg.Storage.CreateToken(ctx, token, user.ID, description); err != nil {
		return "", trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "Issued access token.", "user", user.Username)
	return token, nil
}

// RevokeToken permanently deactivates one of the user's tokens.
func (s *Service) RevokeToken(ctx context.Context, user parcel.User, token string) error {
	if err := s.cfg.Storage.RevokeToken(ctx, token, user.ID); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("token not found")
		}
		return trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "Revoked access token.", "user", user.Username)
	return nil
}
