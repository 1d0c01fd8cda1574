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

// Package parcel defines the core data model: parcels, history snapshots,
// user links and the slug rules tying them together.
package parcel

import (
	"encoding/json"
	"time"

	"github.com/openparcel/openparcel"
)

// Parcel is the unit of tracking: a (carrier, tracking code) pair with a
// surrogate database id and a globally unique slug. Identity fields never
// change once persisted.
type Parcel struct {
	// ID is the surrogate database id, zero until persisted.
	ID int64
	// CarrierID is the uid of the carrier this parcel belongs to.
	CarrierID string
	// TrackingCode is the carrier-issued tracking code.
	TrackingCode string
	// Slug is the opaque human-facing identifier.
	Slug string
	// Created is when the parcel row was first persisted, UTC.
	Created time.Time
}

// Ref identifies a parcel for coalescing purposes without requiring a
// persisted row.
type Ref struct {
	CarrierID    string
	TrackingCode string
	Slug         string
}

// Ref returns the identity reference of the parcel.
func (p Parcel) Ref() Ref {
	return Ref{CarrierID: p.CarrierID, TrackingCode: p.TrackingCode, Slug: p.Slug}
}

// Similar reports whether two references point at the same parcel: either
// both slugs are present and equal, or the (carrier, code) pairs match.
func (r Ref) Similar(other Ref) bool {
	if r.Slug != "" && other.Slug != "" && r.Slug == other.Slug {
		return true
	}
	return r.CarrierID == other.CarrierID && r.TrackingCode == other.TrackingCode
}

// Outdated reports whether the parcel is past the carrier's useful tracking
// window relative to now.
func (p Parcel) Outdated(now time.Time, period time.Duration) bool {
	return now.Sub(p.Created) > period
}

// Snapshot is a point-in-time scrape result for a parcel. Snapshots are
// append-only and ordered by their Retrieved timestamp.
type Snapshot struct {
	// ID is the surrogate database id.
	ID int64
	// ParcelID is the owning parcel.
	ParcelID int64
	// Retrieved is when the scrape happened, UTC.
	Retrieved time.Time
	// Data is the normalized tracking history payload.
	Data json.RawMessage
}

// Link ties a user to a parcel with the user's own metadata.
type Link struct {
	UserID   int64
	ParcelID int64
	// Name is the user-supplied label for the parcel.
	Name string
	// Archived suppresses refreshes of this parcel for this user.
	Archived bool
}

// User is the identity attached to an authenticated request.
type User struct {
	ID          int64
	Username    string
	AccessLevel int
}

// Superuser reports whether the user may use privileged features such as
// forced cache refreshes.
func (u User) Superuser() bool {
	return u.AccessLevel >= openparcel.SuperuserAccessLevel
}
