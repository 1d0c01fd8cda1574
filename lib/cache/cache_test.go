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

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/pool"
	"github.com/openparcel/openparcel/lib/scraper"
	"github.com/openparcel/openparcel/lib/storage"
)

func TestShouldRefresh(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	timeout := 10 * time.Minute

	tests := []struct {
		name     string
		archived bool
		force    bool
		last     time.Time
		want     bool
	}{
		{name: "never tracked", last: time.Time{}, want: true},
		{name: "fresh", last: now.Add(-time.Minute), want: false},
		{name: "exactly at the timeout", last: now.Add(-timeout), want: true},
		{name: "stale", last: now.Add(-time.Hour), want: true},
		{name: "clock jumped backwards", last: now.Add(timeout), want: true},
		{name: "forced", force: true, last: now.Add(-time.Minute), want: true},
		{name: "archived", archived: true, last: now.Add(-time.Hour), want: false},
		{name: "archived wins over force", archived: true, force: true,
			last: now.Add(-time.Hour), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldRefresh(tt.archived, tt.force, tt.last, now, timeout)
			require.Equal(t, tt.want, got)
		})
	}
}

// scrapeDriver simulates a successful CTT scrape.
func scrapeDriver(delay time.Duration) scraper.NewDriverFunc {
	return func() scraper.Driver {
		return &scraper.FakeDriver{
			OpenDelay: delay,
			EvalFunc: func(expr string) (json.RawMessage, error) {
				switch {
				case strings.Contains(expr, "scrape"):
					return json.RawMessage(`{"trackingCode": "AB123456789CD", "history": []}`), nil
				case strings.Contains(expr, "errorCheck"):
					return json.RawMessage("null"), nil
				}
				return json.RawMessage("false"), nil
			},
		}
	}
}

func newTestTracker(t *testing.T, clock clockwork.Clock, newDriver scraper.NewDriverFunc, maxInstances int) (*Tracker, *storage.Storage, *pool.Pool) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Path:  ":memory:",
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	scrapes, err := pool.New(pool.Config{MaxInstances: maxInstances})
	require.NoError(t, err)

	tracker, err := New(Config{
		Storage:   store,
		Pool:      scrapes,
		NewDriver: newDriver,
		Clock:     clock,
	})
	require.NoError(t, err)
	return tracker, store, scrapes
}

func TestTrackByKeyFirstSight(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, store, _ := newTestTracker(t, clock, scrapeDriver(0), 2)

	res, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.NotZero(t, res.Parcel.ID)
	require.NotEmpty(t, res.Parcel.Slug)
	require.Equal(t, clock.Now().UTC(), res.Retrieved)

	// The scraped payload carries the carrier accent color.
	var payload map[string]any
	require.NoError(t, json.Unmarshal(res.History, &payload))
	require.Contains(t, payload, "accentColor")

	snap, err := store.LatestSnapshot(ctx, res.Parcel.ID)
	require.NoError(t, err)
	require.Equal(t, res.Retrieved, snap.Retrieved)
}

func TestTrackByKeyServesCacheWhileFresh(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, _, _ := newTestTracker(t, clock, scrapeDriver(0), 2)

	first, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Retrieved, second.Retrieved)
	require.Equal(t, first.Parcel.Slug, second.Parcel.Slug)
}

func TestTrackByKeyRefreshesWhenStale(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, _, _ := newTestTracker(t, clock, scrapeDriver(0), 2)

	first, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)

	clock.Advance(defaults.RefreshTimeout)
	second, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)
	require.False(t, second.Cached)
	require.True(t, second.Retrieved.After(first.Retrieved))
}

func TestTrackByKeyForce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, _, _ := newTestTracker(t, clock, scrapeDriver(0), 2)

	_, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)

	clock.Advance(time.Second)
	res, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{Force: true})
	require.NoError(t, err)
	require.False(t, res.Cached)
}

func TestTrackByKeyArchivedNeverScrapes(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, _, scrapes := newTestTracker(t, clock, scrapeDriver(0), 2)

	first, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)

	// Way past the refresh timeout, and even forced: archived wins.
	clock.Advance(24 * time.Hour)
	res, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{Archived: true, Force: true})
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.Equal(t, first.Retrieved, res.Retrieved)
	require.Zero(t, scrapes.InFlight())
}

func TestTrackByKeyInvalidInput(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, _, _ := newTestTracker(t, clock, scrapeDriver(0), 2)

	_, err := tracker.TrackByKey(ctx, "ctt", "no spaces!", Options{})
	require.True(t, openparcel.IsValidationError(err))

	_, err = tracker.TrackByKey(ctx, "imaginary", "AB123456789CD", Options{})
	require.True(t, trace.IsNotFound(err))

	_, err = tracker.TrackBySlug(ctx, "Not_A_Slug", Options{})
	require.True(t, openparcel.IsValidationError(err))

	_, err = tracker.TrackBySlug(ctx, "ctt-ab123456-00000000", Options{})
	require.True(t, trace.IsNotFound(err))
}

func TestTrackOutdatedParcel(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, store, _ := newTestTracker(t, clock, scrapeDriver(0), 2)

	// A parcel tracked well past the carrier's window, with stale history.
	created := clock.Now().Add(-200 * 24 * time.Hour)
	p, err := store.CreateParcel(ctx, "ctt", "AB123456789CD", "ctt-ab123-00aabbcc", created)
	require.NoError(t, err)
	_, err = store.AddSnapshot(ctx, p.ID, created.Add(time.Hour), json.RawMessage(`{"old": true}`))
	require.NoError(t, err)

	// By slug the cache is served as-is, no scrape.
	bySlug, err := tracker.TrackBySlug(ctx, p.Slug, Options{Force: true})
	require.NoError(t, err)
	require.True(t, bySlug.Cached)
	require.JSONEq(t, `{"old": true}`, string(bySlug.History))

	// By key the parcel is re-tracked: fresh scrape, window restarted.
	byKey, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)
	require.False(t, byKey.Cached)
	require.Equal(t, p.Slug, byKey.Parcel.Slug)
	require.Equal(t, clock.Now().UTC(), byKey.Parcel.Created)

	stored, err := store.GetParcelByKey(ctx, "ctt", "AB123456789CD")
	require.NoError(t, err)
	require.Equal(t, clock.Now().UTC(), stored.Created)
}

func TestTrackCoalescesConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	tracker, store, scrapes := newTestTracker(t, clock, scrapeDriver(100*time.Millisecond), 2)

	type trackOut struct {
		res Result
		err error
	}
	results := make(chan trackOut, 2)
	track := func() {
		res, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
		results <- trackOut{res: res, err: err}
	}

	go track()
	require.Eventually(t, func() bool { return scrapes.InFlight() == 1 },
		time.Second, time.Millisecond)
	go track()

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.Equal(t, first.res.Retrieved, second.res.Retrieved)

	// One scrape, one snapshot.
	p, err := store.GetParcelByKey(ctx, "ctt", "AB123456789CD")
	require.NoError(t, err)
	snap, err := store.LatestSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, snap.ID)
}

func TestTrackAbandonedScrapeStillServesWaiters(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	tracker, store, scrapes := newTestTracker(t, clock, scrapeDriver(300*time.Millisecond), 2)

	// The admitting caller's deadline expires mid-scrape.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	admitErr := make(chan error, 1)
	go func() {
		_, err := tracker.TrackByKey(shortCtx, "ctt", "AB123456789CD", Options{})
		admitErr <- err
	}()
	require.Eventually(t, func() bool { return scrapes.InFlight() == 1 },
		time.Second, time.Millisecond)

	// A coalesced caller with no deadline of its own still gets the
	// history.
	res, err := tracker.TrackByKey(ctx, "ctt", "AB123456789CD", Options{})
	require.NoError(t, err)
	require.False(t, res.Cached)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(res.History, &payload))
	require.Contains(t, payload, "accentColor")

	// The caller that gave up got only an error.
	require.Error(t, <-admitErr)

	// And the scrape made it into the cache regardless.
	p, err := store.GetParcelByKey(ctx, "ctt", "AB123456789CD")
	require.NoError(t, err)
	snap, err := store.LatestSnapshot(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, res.Retrieved, snap.Retrieved)
}

func TestTrackPoolSaturation(t *testing.T) {
	clock := clockwork.NewRealClock()
	tracker, _, scrapes := newTestTracker(t, clock, scrapeDriver(300*time.Millisecond), 1)

	go tracker.TrackByKey(context.Background(), "ctt", "AA111111111AA", Options{})
	require.Eventually(t, func() bool { return scrapes.InFlight() == 1 },
		time.Second, time.Millisecond)

	// A different parcel cannot be admitted while the only slot is taken.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tracker.TrackByKey(ctx, "ctt", "BB222222222BB", Options{})
	require.True(t, trace.IsLimitExceeded(err))
}
