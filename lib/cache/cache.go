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

// Package cache is the tracking front door: it serves parcel histories out
// of the persistent cache and funnels stale ones through the scraping pool,
// writing fresh snapshots back through.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/carriers"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/parcel"
	"github.com/openparcel/openparcel/lib/pool"
	"github.com/openparcel/openparcel/lib/scraper"
	"github.com/openparcel/openparcel/lib/storage"
)

// ProxyChooser picks an outbound proxy for a carrier. Implemented by the
// proxy manager; nil means every scrape goes out directly.
type ProxyChooser interface {
	Choose(ctx context.Context, carrierID string) (storage.Proxy, error)
}

// Config configures the tracker.
type Config struct {
	// Storage is the persistent cache.
	Storage *storage.Storage
	// Pool runs the scrapes.
	Pool *pool.Pool
	// NewDriver opens browser sessions for scrapes.
	NewDriver scraper.NewDriverFunc
	// Proxies picks outbound proxies, optional.
	Proxies ProxyChooser
	// RefreshTimeout is how long a snapshot stays fresh.
	RefreshTimeout time.Duration
	// Clock stamps snapshots and drives freshness decisions.
	Clock clockwork.Clock
	// Logger emits tracking diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing storage")
	}
	if c.Pool == nil {
		return trace.BadParameter("missing scraping pool")
	}
	if c.NewDriver == nil {
		return trace.BadParameter("missing driver constructor")
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaults.RefreshTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(openparcel.ComponentKey, openparcel.ComponentCache)
	}
	return nil
}

// Tracker serves tracking requests.
type Tracker struct {
	cfg Config
}

// New creates a tracker.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Tracker{cfg: cfg}, nil
}

// Options tweak a single tracking request.
type Options struct {
	// Force refreshes regardless of cache freshness. Archived parcels
	// still win over it.
	Force bool
	// Archived marks the requesting user's link as archived, freezing the
	// cache for this request.
	Archived bool
}

// Result is a served tracking history.
type Result struct {
	// Parcel is the tracked parcel.
	Parcel parcel.Parcel
	// History is the carrier history payload.
	History json.RawMessage
	// Retrieved is when the history was scraped.
	Retrieved time.Time
	// Cached is true when the history was served without scraping.
	Cached bool
}

// TrackByKey serves the history of a parcel identified by carrier and
// tracking code, scraping the carrier when the cache is stale or the parcel
// has never been seen. Re-tracking a parcel that outlived its carrier's
// tracking window restarts the window.
func (t *Tracker) TrackByKey(ctx context.Context, carrierID, code string, opts Options) (Result, error) {
	if !parcel.IsTrackingCodeValid(code) {
		return Result{}, openparcel.NewValidationError("tracking code %q is malformed", code)
	}
	desc, err := carriers.ByID(carrierID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}

	var cur *parcel.Parcel
	p, err := t.cfg.Storage.GetParcelByKey(ctx, carrierID, code)
	switch {
	case err == nil:
		cur = &p
	case !trace.IsNotFound(err):
		return Result{}, trace.Wrap(err)
	}

	return t.track(ctx, desc, parcel.Ref{CarrierID: carrierID, TrackingCode: code}, cur, opts)
}

// TrackBySlug serves the history of a parcel by its public slug. Unknown
// slugs are a NotFound. A parcel past its tracking window is served
// straight from the cache: its carrier page no longer shows it, so
// scraping would only waste a pool slot.
func (t *Tracker) TrackBySlug(ctx context.Context, slug string, opts Options) (Result, error) {
	if !parcel.IsSlugValid(slug) {
		return Result{}, openparcel.NewValidationError("slug %q is malformed", slug)
	}
	p, err := t.cfg.Storage.GetParcelBySlug(ctx, slug)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	desc, err := carriers.ByID(p.CarrierID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}

	if p.Outdated(t.cfg.Clock.Now(), desc.OutdatedPeriod()) {
		return t.serveCached(ctx, p)
	}

	ref := parcel.Ref{CarrierID: p.CarrierID, TrackingCode: p.TrackingCode, Slug: p.Slug}
	return t.track(ctx, desc, ref, &p, opts)
}

// serveCached returns the latest snapshot without scraping.
func (t *Tracker) serveCached(ctx context.Context, p parcel.Parcel) (Result, error) {
	snap, err := t.cfg.Storage.LatestSnapshot(ctx, p.ID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{
		Parcel:    p,
		History:   snap.Data,
		Retrieved: snap.Retrieved,
		Cached:    true,
	}, nil
}

// track decides between the cache and the pool for a resolved parcel
// identity. cur is nil when the parcel has never been tracked.
func (t *Tracker) track(ctx context.Context, desc carriers.Descriptor, ref parcel.Ref, cur *parcel.Parcel, opts Options) (Result, error) {
	now := t.cfg.Clock.Now()
	log := t.cfg.Logger.With("carrier", ref.CarrierID, "tracking_code", ref.TrackingCode)

	outdated := false
	if cur != nil {
		outdated = cur.Outdated(now, desc.OutdatedPeriod())
		snap, err := t.cfg.Storage.LatestSnapshot(ctx, cur.ID)
		switch {
		case err == nil:
			// An outdated parcel looked up by key is being re-tracked:
			// its cache no longer speaks for the code, so scrape anew.
			// Archived links freeze the cache no matter what.
			refresh := ShouldRefresh(opts.Archived, opts.Force, snap.Retrieved, now, t.cfg.RefreshTimeout)
			if opts.Archived || (!outdated && !refresh) {
				log.DebugContext(ctx, "Serving parcel history from cache.")
				return Result{
					Parcel:    *cur,
					History:   snap.Data,
					Retrieved: snap.Retrieved,
					Cached:    true,
				}, nil
			}
		case !trace.IsNotFound(err):
			return Result{}, trace.Wrap(err)
		default:
			if opts.Archived {
				// Archived with no snapshot to serve.
				return Result{}, trace.NotFound("parcel has no cached history")
			}
		}
	}

	adapter := desc.New(ref.TrackingCode, t.cfg.NewDriver())
	t.assignProxy(ctx, adapter, log)

	res, err := t.cfg.Pool.Fetch(ctx, ref, adapter, log)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	if res.Joined {
		outcome, err := res.Op.WaitDone(ctx)
		if err != nil {
			return Result{}, trace.Wrap(err)
		}
		return Result{
			Parcel:    outcome.Parcel,
			History:   outcome.History,
			Retrieved: outcome.Retrieved,
		}, nil
	}

	history, err := res.Op.WaitFetched(ctx)
	if err != nil {
		if ctx.Err() != nil && res.Op.Err() == nil {
			// The caller gave up while the detached worker is still
			// scraping. The result must outlive this request: coalesced
			// waiters are parked on the operation, so persistence moves to
			// its own goroutine.
			go t.finishDetached(res.Op, ref, cur, outdated, log)
			return Result{}, trace.Wrap(err)
		}
		// Unblock coalesced waiters with the captured failure.
		res.Op.Finish(nil)
		return Result{}, trace.Wrap(err)
	}

	result, err := t.persist(ctx, ref, cur, outdated, history)
	if err != nil {
		res.Op.Finish(nil)
		return Result{}, trace.Wrap(err)
	}
	res.Op.Finish(&pool.Outcome{
		Parcel:    result.Parcel,
		History:   result.History,
		Retrieved: result.Retrieved,
	})
	return result, nil
}

// finishDetached completes an operation whose admitting caller gave up:
// it waits out the worker, persists the result and publishes the outcome so
// coalesced waiters still get the scrape. The worker's context is bounded
// by the pool's scrape timeout, so the wait always terminates.
func (t *Tracker) finishDetached(op *pool.Operation, ref parcel.Ref, cur *parcel.Parcel, outdated bool, log *slog.Logger) {
	ctx := context.Background()
	history, err := op.WaitFetched(ctx)
	if err != nil {
		op.Finish(nil)
		return
	}
	result, err := t.persist(ctx, ref, cur, outdated, history)
	if err != nil {
		log.WarnContext(ctx, "Failed to persist an abandoned scrape.", "error", err)
		op.Finish(nil)
		return
	}
	log.InfoContext(ctx, "Persisted a scrape abandoned by its caller.")
	op.Finish(&pool.Outcome{
		Parcel:    result.Parcel,
		History:   result.History,
		Retrieved: result.Retrieved,
	})
}

// assignProxy routes the adapter through the best proxy for its carrier.
// Having no usable proxy is fine; the scrape goes out directly.
func (t *Tracker) assignProxy(ctx context.Context, adapter carriers.Adapter, log *slog.Logger) {
	if t.cfg.Proxies == nil {
		return
	}
	p, err := t.cfg.Proxies.Choose(ctx, adapter.Descriptor().UID)
	if err != nil {
		if !trace.IsNotFound(err) {
			log.WarnContext(ctx, "Failed to pick a proxy, scraping directly.", "error", err)
		}
		return
	}
	log.DebugContext(ctx, "Scraping through a proxy.", "proxy", p.URL())
	adapter.SetProxy(p.URL())
}

// persist writes a fresh scrape through to storage, creating the parcel row
// on first sight and restarting the tracking window of a re-tracked
// outdated parcel.
func (t *Tracker) persist(ctx context.Context, ref parcel.Ref, cur *parcel.Parcel, outdated bool, history json.RawMessage) (Result, error) {
	now := t.cfg.Clock.Now()

	var p parcel.Parcel
	switch {
	case cur == nil:
		created, err := t.createParcel(ctx, ref, now)
		if err != nil {
			return Result{}, trace.Wrap(err)
		}
		p = created
	case outdated:
		if err := t.cfg.Storage.ResetParcelCreated(ctx, cur.ID, now); err != nil {
			return Result{}, trace.Wrap(err)
		}
		p = *cur
		p.Created = now.UTC()
	default:
		p = *cur
	}

	snap, err := t.cfg.Storage.AddSnapshot(ctx, p.ID, now, history)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{
		Parcel:    p,
		History:   history,
		Retrieved: snap.Retrieved,
	}, nil
}

// createParcel inserts the parcel row, generating slugs until one sticks.
// A natural-key conflict means another request beat us to the row, which is
// just as good.
func (t *Tracker) createParcel(ctx context.Context, ref parcel.Ref, now time.Time) (parcel.Parcel, error) {
	for attempt := 0; attempt < 5; attempt++ {
		slug, err := parcel.GenerateSlug(ref.CarrierID, ref.TrackingCode)
		if err != nil {
			return parcel.Parcel{}, trace.Wrap(err)
		}
		p, err := t.cfg.Storage.CreateParcel(ctx, ref.CarrierID, ref.TrackingCode, slug, now)
		if err == nil {
			return p, nil
		}
		if !trace.IsAlreadyExists(err) {
			return parcel.Parcel{}, trace.Wrap(err)
		}
		if existing, gerr := t.cfg.Storage.GetParcelByKey(ctx, ref.CarrierID, ref.TrackingCode); gerr == nil {
			return existing, nil
		}
		// Slug collision, roll a new one.
	}
	return parcel.Parcel{}, trace.LimitExceeded("could not generate a unique parcel slug")
}
