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
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel/lib/parcel"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestParcelCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	p, err := s.CreateParcel(ctx, "ctt", "AB123456789CD", "ctt-ab123456-0a1b2c3d", created)
	require.NoError(t, err)
	require.NotZero(t, p.ID)
	require.Equal(t, created, p.Created)

	byKey, err := s.GetParcelByKey(ctx, "ctt", "AB123456789CD")
	require.NoError(t, err)
	require.Equal(t, p, byKey)

	bySlug, err := s.GetParcelBySlug(ctx, "ctt-ab123456-0a1b2c3d")
	require.NoError(t, err)
	require.Equal(t, p, bySlug)

	_, err = s.GetParcelBySlug(ctx, "nope")
	require.True(t, trace.IsNotFound(err))

	// Natural key and slug are both unique.
	_, err = s.CreateParcel(ctx, "ctt", "AB123456789CD", "other-slug-11223344", created)
	require.True(t, trace.IsAlreadyExists(err))
	_, err = s.CreateParcel(ctx, "dhl", "XY987", "ctt-ab123456-0a1b2c3d", created)
	require.True(t, trace.IsAlreadyExists(err))

	bumped := created.AddDate(0, 7, 0)
	require.NoError(t, s.ResetParcelCreated(ctx, p.ID, bumped))
	byKey, err = s.GetParcelByKey(ctx, "ctt", "AB123456789CD")
	require.NoError(t, err)
	require.Equal(t, bumped, byKey.Created)

	require.NoError(t, s.DeleteParcel(ctx, p.ID))
	err = s.DeleteParcel(ctx, p.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	p, err := s.CreateParcel(ctx, "dhl", "XY111", "dhl-xy111-aabbccdd", now)
	require.NoError(t, err)

	_, err = s.LatestSnapshot(ctx, p.ID)
	require.True(t, trace.IsNotFound(err))

	first, err := s.AddSnapshot(ctx, p.ID, now, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	second, err := s.AddSnapshot(ctx, p.ID, now.Add(time.Hour), json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)

	latest, err := s.LatestSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
	require.JSONEq(t, `{"n":2}`, string(latest.Data))

	// Snapshots ride along when the parcel goes away.
	require.NoError(t, s.DeleteParcel(ctx, p.ID))
	_, err = s.LatestSnapshot(ctx, p.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestUsersAndTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	u, err := s.CreateUser(ctx, "alice", "deadbeef", "c0ffee", 0)
	require.NoError(t, err)
	require.NotZero(t, u.ID)

	_, err = s.CreateUser(ctx, "alice", "other", "other", 0)
	require.True(t, trace.IsAlreadyExists(err))

	rec, err := s.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", rec.PasswordHash)
	require.Equal(t, "c0ffee", rec.Salt)
	require.False(t, rec.Superuser())

	require.NoError(t, s.CreateToken(ctx, "tok-1", u.ID, "cli"))
	byToken, err := s.GetUserByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, byToken.ID)

	require.NoError(t, s.RevokeToken(ctx, "tok-1", u.ID))
	_, err = s.GetUserByToken(ctx, "tok-1")
	require.True(t, trace.IsNotFound(err))
	// Revoking twice fails: the token is already inactive.
	err = s.RevokeToken(ctx, "tok-1", u.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestUserParcelLinks(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	u, err := s.CreateUser(ctx, "bob", "hash", "salt", 0)
	require.NoError(t, err)
	p, err := s.CreateParcel(ctx, "ctt", "CODE1", "ctt-code1-00112233", now)
	require.NoError(t, err)

	require.NoError(t, s.CreateLink(ctx, parcel.Link{
		UserID: u.ID, ParcelID: p.ID, Name: "Shoes",
	}))
	err = s.CreateLink(ctx, parcel.Link{UserID: u.ID, ParcelID: p.ID})
	require.True(t, trace.IsAlreadyExists(err))

	link, err := s.GetLink(ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Shoes", link.Name)
	require.False(t, link.Archived)

	require.NoError(t, s.SetLinkArchived(ctx, u.ID, p.ID, true))
	link, err = s.GetLink(ctx, u.ID, p.ID)
	require.NoError(t, err)
	require.True(t, link.Archived)

	gotParcel, gotLink, err := s.GetParcelBySlugForUser(ctx, p.Slug, u.ID)
	require.NoError(t, err)
	require.Equal(t, p, gotParcel)
	require.True(t, gotLink.Archived)
	_, _, err = s.GetParcelBySlugForUser(ctx, p.Slug, u.ID+1)
	require.True(t, trace.IsNotFound(err))

	_, err = s.AddSnapshot(ctx, p.ID, now, json.RawMessage(`{"status":"ok"}`))
	require.NoError(t, err)

	views, err := s.ListUserParcels(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "Shoes", views[0].Name)
	require.True(t, views[0].Archived)
	require.NotNil(t, views[0].Snapshot)
	require.JSONEq(t, `{"status":"ok"}`, string(views[0].Snapshot.Data))

	require.NoError(t, s.DeleteLink(ctx, u.ID, p.ID))
	err = s.DeleteLink(ctx, u.ID, p.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestProxies(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	p := Proxy{
		Addr: "10.0.0.1", Port: 8080, Country: "PT", Speed: 1500,
		Protocol: "socks5", Active: true,
		Carriers: []CarrierTiming{{ID: "ctt", Timing: 1500}},
	}
	saved, err := s.SaveProxy(ctx, p)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	got, err := s.GetProxyByKey(ctx, "10.0.0.1", 8080, "socks5")
	require.NoError(t, err)
	require.Equal(t, saved, got)
	timing, ok := got.Timing("ctt")
	require.True(t, ok)
	require.EqualValues(t, 1500, timing)
	_, ok = got.Timing("dhl")
	require.False(t, ok)

	// Saving the same key again updates the test results in place.
	p.Active = false
	p.Speed = -1
	p.Carriers = nil
	updated, err := s.SaveProxy(ctx, p)
	require.NoError(t, err)
	require.Equal(t, saved.ID, updated.ID)

	active, err := s.ListActiveProxies(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	all, err := s.ListProxies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Active)
	require.Empty(t, all[0].Carriers)
	require.Equal(t, "socks5://10.0.0.1:8080", all[0].URL())
}
