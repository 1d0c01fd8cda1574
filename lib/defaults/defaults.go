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

// Package defaults holds the tunables of the service in one place.
package defaults

import "time"

const (
	// HTTPListenAddr is the address the API server binds to when the
	// configuration does not say otherwise.
	HTTPListenAddr = "127.0.0.1:8080"

	// DatabasePath is the default location of the sqlite database.
	DatabasePath = "/var/lib/openparcel/openparcel.db"
)

const (
	// MaxScrapeInstances caps the number of concurrent scrapes across the
	// whole process.
	MaxScrapeInstances = 5

	// PoolAdmissionTimeout is how long a request waits for a scraping slot
	// before the service reports itself as overwhelmed.
	PoolAdmissionTimeout = 10 * time.Second

	// ScrapeTimeout bounds a single scrape from navigation to script
	// evaluation. Workers are detached from their caller, so this is the
	// only thing that reclaims a wedged browser.
	ScrapeTimeout = 2 * time.Minute
)

const (
	// RefreshTimeout is how stale a cached history may get before a new
	// request triggers a fresh scrape.
	RefreshTimeout = 600 * time.Second

	// OutdatedPeriodDays is how long after its creation a parcel keeps
	// being refreshed, unless the carrier overrides it.
	OutdatedPeriodDays = 180
)

const (
	// PageLoadTimeout bounds a single page navigation in the driver.
	PageLoadTimeout = 10 * time.Second

	// PageLoadRetries is how many times the driver retries a navigation.
	PageLoadRetries = 3

	// ElementWaitTimeout is the fallback per-element wait used when a
	// carrier does not specify its own.
	ElementWaitTimeout = 8 * time.Second
)

const (
	// ProxyTestWorkers is the size of the proxy validation worker pool.
	ProxyTestWorkers = 8

	// ProxyBaseDelay is the extra navigation allowance granted when a
	// request goes through a proxy server.
	ProxyBaseDelay = PageLoadTimeout
)

const (
	// TokenBytes is the entropy of an issued auth token.
	TokenBytes = 32

	// PasswordSaltBytes is the size of the random salt mixed into password
	// hashes.
	PasswordSaltBytes = 16

	// PasswordHashIterations is the PBKDF2 iteration count.
	PasswordHashIterations = 100000

	// PasswordHashBytes is the derived key length.
	PasswordHashBytes = 32
)

const (
	// MaxSlugLength bounds generated and accepted parcel slugs.
	MaxSlugLength = 35

	// MaxParcelNameLength bounds the user-supplied name of a saved parcel.
	MaxParcelNameLength = 100
)
