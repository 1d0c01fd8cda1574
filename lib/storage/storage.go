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

// Package storage persists parcels, history snapshots, user links, proxies
// and users in a sqlite database. All timestamps are stored as ISO 8601
// strings in UTC.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/openparcel/openparcel"
)

// Config configures the storage layer.
type Config struct {
	// Path is the sqlite database location; ":memory:" works for tests.
	Path string
	// Clock supplies timestamps.
	Clock clockwork.Clock
	// Logger emits storage diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing database path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(openparcel.ComponentKey, openparcel.ComponentStorage)
	}
	return nil
}

// Storage is the sqlite persistence layer. The embedded *sql.DB pools
// connections, so one Storage serves the whole process; parallel workers
// each draw their own connection from it.
type Storage struct {
	cfg Config
	db  *sql.DB
}

// Open connects to the database and brings the schema up.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_fk=1")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Storage{cfg: cfg, db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return trace.Wrap(s.db.Close())
}

// Clock returns the clock timestamps are drawn from.
func (s *Storage) Clock() clockwork.Clock {
	return s.cfg.Clock
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS parcels (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		carrier_id    TEXT NOT NULL,
		tracking_code TEXT NOT NULL,
		created       TEXT NOT NULL,
		slug          TEXT NOT NULL UNIQUE,
		UNIQUE (carrier_id, tracking_code)
	)`,
	`CREATE TABLE IF NOT EXISTS history_cache (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		parcel_id INTEGER NOT NULL REFERENCES parcels (id) ON DELETE CASCADE,
		retrieved TEXT NOT NULL,
		data      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS history_cache_parcel
		ON history_cache (parcel_id, retrieved DESC)`,
	`CREATE TABLE IF NOT EXISTS users (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		username     TEXT NOT NULL UNIQUE,
		password     TEXT NOT NULL,
		salt         TEXT NOT NULL,
		access_level INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS auth_tokens (
		token       TEXT PRIMARY KEY,
		user_id     INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		description TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS user_parcels (
		user_id   INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		parcel_id INTEGER NOT NULL REFERENCES parcels (id) ON DELETE CASCADE,
		name      TEXT NOT NULL DEFAULT '',
		archived  INTEGER NOT NULL DEFAULT 0,
		UNIQUE (user_id, parcel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS proxies (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		addr     TEXT NOT NULL,
		port     INTEGER NOT NULL,
		country  TEXT NOT NULL DEFAULT '',
		speed    INTEGER NOT NULL DEFAULT -1,
		protocol TEXT NOT NULL,
		active   INTEGER NOT NULL DEFAULT 1,
		carriers TEXT NOT NULL DEFAULT '[]',
		UNIQUE (addr, port, protocol)
	)`,
}

func (s *Storage) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// encodeTime formats a timestamp for storage.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// decodeTime parses a stored timestamp.
func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return t.UTC(), nil
}

// convertError maps driver failures onto the error taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("record not found")
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return trace.AlreadyExists("record already exists: %v", err)
	}
	return trace.Wrap(err)
}
