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

package openparcel

// Version is the current release of the service, reported by the /ping
// endpoint.
const Version = "0.1.0"

const (
	// VersionHeader carries the service version on every /ping response.
	VersionHeader = "X-OpenParcel-Version"

	// AuthTokenHeader carries "username:secret" credentials.
	AuthTokenHeader = "X-Auth-Token"
)

const (
	// ComponentKey is the attribute name used to tag slog records with the
	// subsystem that emitted them.
	ComponentKey = "component"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentPool is the bounded scraping pool.
	ComponentPool = "pool"

	// ComponentCache is the freshness cache in front of the pool.
	ComponentCache = "cache"

	// ComponentCarrier is a carrier adapter performing a fetch.
	ComponentCarrier = "carrier"

	// ComponentScraper is the headless browser driver.
	ComponentScraper = "scraper"

	// ComponentProxy is the proxy manager.
	ComponentProxy = "proxies"

	// ComponentStorage is the sqlite persistence layer.
	ComponentStorage = "storage"

	// ComponentOPM is the opm management CLI.
	ComponentOPM = "opm"
)

// SuperuserAccessLevel is the minimum access level at which a user is
// considered a superuser. Superusers may force cache refreshes.
const SuperuserAccessLevel = 100
