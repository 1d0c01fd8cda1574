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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/parcel"
)

// CreateParcel inserts a new parcel row. The (carrier, code) pair and the
// slug must both be unused.
func (s *Storage) CreateParcel(ctx context.Context, carrierID, code, slug string, created time.Time) (parcel.Parcel, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parcels (carrier_id, tracking_code, created, slug) VALUES (?, ?, ?, ?)`,
		carrierID, code, encodeTime(created), slug)
	if err != nil {
		return parcel.Parcel{}, convertError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return parcel.Parcel{}, trace.Wrap(err)
	}
	return parcel.Parcel{
		ID:           id,
		CarrierID:    carrierID,
		TrackingCode: code,
		Slug:         slug,
		Created:      created.UTC(),
	}, nil
}

func scanParcel(row *sql.Row) (parcel.Parcel, error) {
	var p parcel.Parcel
	var created string
	if err := row.Scan(&p.ID, &p.CarrierID, &p.TrackingCode, &created, &p.Slug); err != nil {
		return parcel.Parcel{}, convertError(err)
	}
	t, err := decodeTime(created)
	if err != nil {
		return parcel.Parcel{}, trace.Wrap(err)
	}
	p.Created = t
	return p, nil
}

// GetParcelByKey returns the parcel with the given natural key.
func (s *Storage) GetParcelByKey(ctx context.Context, carrierID, code string) (parcel.Parcel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, carrier_id, tracking_code, created, slug FROM parcels
		 WHERE carrier_id = ? AND tracking_code = ?`,
		carrierID, code)
	p, err := scanParcel(row)
	return p, trace.Wrap(err)
}

// GetParcelBySlug returns the parcel with the given slug.
func (s *Storage) GetParcelBySlug(ctx context.Context, slug string) (parcel.Parcel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, carrier_id, tracking_code, created, slug FROM parcels WHERE slug = ?`,
		slug)
	p, err := scanParcel(row)
	return p, trace.Wrap(err)
}

// GetParcelBySlugForUser resolves a slug restricted to parcels the user has
// a link to, returning the link alongside.
func (s *Storage) GetParcelBySlugForUser(ctx context.Context, slug string, userID int64) (parcel.Parcel, parcel.Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.carrier_id, p.tracking_code, p.created, p.slug,
		        up.user_id, up.parcel_id, up.name, up.archived
		 FROM parcels p
		 JOIN user_parcels up ON up.parcel_id = p.id
		 WHERE p.slug = ? AND up.user_id = ?`,
		slug, userID)

	var p parcel.Parcel
	var l parcel.Link
	var created string
	var archived int
	err := row.Scan(&p.ID, &p.CarrierID, &p.TrackingCode, &created, &p.Slug,
		&l.UserID, &l.ParcelID, &l.Name, &archived)
	if err != nil {
		return parcel.Parcel{}, parcel.Link{}, convertError(err)
	}
	t, err := decodeTime(created)
	if err != nil {
		return parcel.Parcel{}, parcel.Link{}, trace.Wrap(err)
	}
	p.Created = t
	l.Archived = archived != 0
	return p, l, nil
}

// ResetParcelCreated restarts a parcel's tracking window. Used when an
// outdated parcel is re-tracked by its natural key.
func (s *Storage) ResetParcelCreated(ctx context.Context, parcelID int64, created time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parcels SET created = ? WHERE id = ?`, encodeTime(created), parcelID)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("parcel %v not found", parcelID)
	}
	return nil
}

// DeleteParcel removes a parcel together with its snapshots and links.
func (s *Storage) DeleteParcel(ctx context.Context, parcelID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM parcels WHERE id = ?`, parcelID)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("parcel %v not found", parcelID)
	}
	return nil
}

// AddSnapshot appends a history snapshot to a parcel.
func (s *Storage) AddSnapshot(ctx context.Context, parcelID int64, retrieved time.Time, data json.RawMessage) (parcel.Snapshot, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history_cache (parcel_id, retrieved, data) VALUES (?, ?, ?)`,
		parcelID, encodeTime(retrieved), string(data))
	if err != nil {
		return parcel.Snapshot{}, convertError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return parcel.Snapshot{}, trace.Wrap(err)
	}
	return parcel.Snapshot{
		ID:        id,
		ParcelID:  parcelID,
		Retrieved: retrieved.UTC(),
		Data:      data,
	}, nil
}

// LatestSnapshot returns the most recent snapshot of a parcel. Ties on the
// retrieved timestamp are broken by insertion order.
func (s *Storage) LatestSnapshot(ctx context.Context, parcelID int64) (parcel.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parcel_id, retrieved, data FROM history_cache
		 WHERE parcel_id = ? ORDER BY retrieved DESC, id DESC LIMIT 1`,
		parcelID)

	var snap parcel.Snapshot
	var retrieved, data string
	if err := row.Scan(&snap.ID, &snap.ParcelID, &retrieved, &data); err != nil {
		return parcel.Snapshot{}, convertError(err)
	}
	t, err := decodeTime(retrieved)
	if err != nil {
		return parcel.Snapshot{}, trace.Wrap(err)
	}
	snap.Retrieved = t
	snap.Data = json.RawMessage(data)
	return snap, nil
}

// CreateLink saves a parcel into a user's list.
func (s *Storage) CreateLink(ctx context.Context, link parcel.Link) error {
	archived := 0
	if link.Archived {
		archived = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_parcels (user_id, parcel_id, name, archived) VALUES (?, ?, ?, ?)`,
		link.UserID, link.ParcelID, link.Name, archived)
	return convertError(err)
}

// GetLink returns the user's link to a parcel.
func (s *Storage) GetLink(ctx context.Context, userID, parcelID int64) (parcel.Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, parcel_id, name, archived FROM user_parcels
		 WHERE user_id = ? AND parcel_id = ?`,
		userID, parcelID)

	var l parcel.Link
	var archived int
	if err := row.Scan(&l.UserID, &l.ParcelID, &l.Name, &archived); err != nil {
		return parcel.Link{}, convertError(err)
	}
	l.Archived = archived != 0
	return l, nil
}

// DeleteLink removes a parcel from a user's list.
func (s *Storage) DeleteLink(ctx context.Context, userID, parcelID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_parcels WHERE user_id = ? AND parcel_id = ?`,
		userID, parcelID)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("parcel is not saved in the user's list")
	}
	return nil
}

// SetLinkArchived flips the archived flag on a user's link.
func (s *Storage) SetLinkArchived(ctx context.Context, userID, parcelID int64, archived bool) error {
	val := 0
	if archived {
		val = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_parcels SET archived = ? WHERE user_id = ? AND parcel_id = ?`,
		val, userID, parcelID)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("parcel is not saved in the user's list")
	}
	return nil
}

// UserParcelView is one entry of a user's parcel list: the parcel, the
// user's link metadata and the latest snapshot when one exists.
type UserParcelView struct {
	Parcel   parcel.Parcel
	Name     string
	Archived bool
	Snapshot *parcel.Snapshot
}

// ListUserParcels returns every parcel saved by the user, newest snapshot
// attached.
func (s *Storage) ListUserParcels(ctx context.Context, userID int64) ([]UserParcelView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.carrier_id, p.tracking_code, p.created, p.slug,
		        up.name, up.archived,
		        h.id, h.retrieved, h.data
		 FROM user_parcels up
		 JOIN parcels p ON p.id = up.parcel_id
		 LEFT JOIN history_cache h ON h.id = (
			SELECT id FROM history_cache
			WHERE parcel_id = p.id ORDER BY retrieved DESC, id DESC LIMIT 1
		 )
		 WHERE up.user_id = ?
		 ORDER BY p.created DESC`,
		userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []UserParcelView
	for rows.Next() {
		var view UserParcelView
		var created string
		var archived int
		var snapID sql.NullInt64
		var snapRetrieved, snapData sql.NullString
		err := rows.Scan(&view.Parcel.ID, &view.Parcel.CarrierID,
			&view.Parcel.TrackingCode, &created, &view.Parcel.Slug,
			&view.Name, &archived, &snapID, &snapRetrieved, &snapData)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		t, err := decodeTime(created)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		view.Parcel.Created = t
		view.Archived = archived != 0
		if snapID.Valid {
			retrieved, err := decodeTime(snapRetrieved.String)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			view.Snapshot = &parcel.Snapshot{
				ID:        snapID.Int64,
				ParcelID:  view.Parcel.ID,
				Retrieved: retrieved,
				Data:      json.RawMessage(snapData.String),
			}
		}
		out = append(out, view)
	}
	return out, trace.Wrap(rows.Err())
}
