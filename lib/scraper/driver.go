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

// Package scraper wraps a headless browser session behind a small driver
// contract that carrier adapters program against.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SentinelElementID is the id of the DOM node the injected utility script
// creates. Its presence tells an adapter the scripts are already loaded on
// the current page.
const SentinelElementID = "op-token-elem"

// ErrWaitTimeout is returned by the wait calls when the page never produced
// any of the awaited content within the deadline.
var ErrWaitTimeout = errors.New("timed out waiting for page content")

// IsWaitTimeout reports whether err is a page wait timeout.
func IsWaitTimeout(err error) bool {
	return errors.Is(err, ErrWaitTimeout)
}

// Driver is a single headless browser session. A driver belongs to exactly
// one scraping operation and is closed when the operation ends. Close is
// idempotent; every other call requires a successful Open first.
type Driver interface {
	// Open navigates to url, optionally through proxy (a
	// "protocol://addr:port" string, empty for a direct connection).
	// Navigation failures through a proxy surface as a ProxyTimeout scrape
	// error.
	Open(ctx context.Context, url string, timeout time.Duration, proxy string) error

	// Inject runs a script against the loaded page, discarding its value.
	Inject(ctx context.Context, script string) error

	// WaitForAny resolves with the index of the first selector present in
	// the DOM. If the page redirects while waiting, the wait is repeated
	// transparently once. Returns ErrWaitTimeout on deadline.
	WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (int, error)

	// WaitForTitle resolves when the page title contains substr. Returns
	// ErrWaitTimeout on deadline.
	WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error

	// Evaluate runs an expression on the page and returns its JSON value.
	Evaluate(ctx context.Context, expr string) (json.RawMessage, error)

	// Close releases every resource held by the session.
	Close() error
}

// NewDriverFunc constructs a fresh driver session for one scraping
// operation.
type NewDriverFunc func() Driver
