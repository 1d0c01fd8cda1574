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

package cache

import "time"

// ShouldRefresh decides whether a parcel's cached history is stale enough
// to warrant a fresh scrape.
//
// Archived parcels are never refreshed, even when a refresh is forced.
// Forced requests always refresh. Otherwise the cache is stale once the
// last snapshot is at least refreshTimeout away from now, in either
// direction: a clock that jumped backwards must not pin the cache fresh
// forever.
func ShouldRefresh(archived, force bool, lastRetrieved, now time.Time, refreshTimeout time.Duration) bool {
	if archived {
		return false
	}
	if force {
		return true
	}
	if lastRetrieved.IsZero() {
		return true
	}
	diff := now.Sub(lastRetrieved)
	if diff < 0 {
		diff = -diff
	}
	return diff >= refreshTimeout
}
