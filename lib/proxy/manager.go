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

// Package proxy maintains the pool of outbound proxy servers scraping
// traffic is routed through: discovering candidates from list providers,
// probing them against every carrier and picking the best one for a given
// scrape.
package proxy

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/carriers"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/scraper"
	"github.com/openparcel/openparcel/lib/storage"
)

// ManagerConfig configures the proxy manager.
type ManagerConfig struct {
	// Storage persists the proxy pool.
	Storage *storage.Storage
	// NewDriver opens browser sessions for proxy probes.
	NewDriver scraper.NewDriverFunc
	// TestWorkers caps how many proxies are probed concurrently.
	TestWorkers int
	// Clock times the probes.
	Clock clockwork.Clock
	// Logger emits probe diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing storage")
	}
	if c.NewDriver == nil {
		return trace.BadParameter("missing driver constructor")
	}
	if c.TestWorkers <= 0 {
		c.TestWorkers = defaults.ProxyTestWorkers
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(openparcel.ComponentKey, openparcel.ComponentProxy)
	}
	return nil
}

// Manager owns the proxy pool.
type Manager struct {
	cfg ManagerConfig
}

// NewManager creates a proxy manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

// randomTrackingCode generates a code in the shape most carriers use, with
// essentially no chance of matching a real parcel. Probes rely on the
// carrier answering "not found" for it.
func randomTrackingCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const digits = "0123456789"
	buf := make([]byte, 0, 13)
	for i := 0; i < 2; i++ {
		buf = append(buf, letters[rand.Intn(len(letters))])
	}
	for i := 0; i < 9; i++ {
		buf = append(buf, digits[rand.Intn(len(digits))])
	}
	for i := 0; i < 2; i++ {
		buf = append(buf, letters[rand.Intn(len(letters))])
	}
	return string(buf)
}

// Test probes the proxy against every registered carrier and rewrites its
// valid carrier list, speed and active flag in place. A carrier is valid
// when the probe comes back with a definitive answer for a code that
// cannot exist; rate limiting, blocking, timeouts and browser failures all
// disqualify it. Returns false when no carrier works through the proxy.
func (m *Manager) Test(ctx context.Context, p *storage.Proxy) bool {
	p.Carriers = nil

	for _, desc := range carriers.List() {
		timing, ok := m.probeCarrier(ctx, p, desc)
		if !ok {
			continue
		}
		p.Carriers = append(p.Carriers, storage.CarrierTiming{
			ID:     desc.UID,
			Timing: timing,
		})
	}

	if len(p.Carriers) == 0 {
		p.Active = false
		return false
	}

	var total int64
	for _, ct := range p.Carriers {
		total += ct.Timing
	}
	p.Speed = total / int64(len(p.Carriers))
	p.Active = true
	m.cfg.Logger.InfoContext(ctx, "Proxy passed testing.",
		"proxy", p.URL(), "speed_ms", p.Speed, "carriers", len(p.Carriers))
	return true
}

// probeCarrier scrapes one carrier through the proxy with a throwaway
// tracking code and reports whether the proxy works for it, with the
// elapsed time in milliseconds.
func (m *Manager) probeCarrier(ctx context.Context, p *storage.Proxy, desc carriers.Descriptor) (int64, bool) {
	adapter := desc.New(randomTrackingCode(), m.cfg.NewDriver())
	adapter.SetProxy(p.URL())

	log := m.cfg.Logger.With("proxy", p.URL(), "carrier", desc.UID)
	log.DebugContext(ctx, "Probing proxy.")

	start := m.cfg.Clock.Now()
	_, err := adapter.Fetch(ctx)
	elapsed := m.cfg.Clock.Now().Sub(start).Milliseconds()

	if err == nil {
		// The throwaway code somehow matched a real parcel. The scrape
		// worked, so the proxy is good.
		return elapsed, true
	}
	se, ok := openparcel.AsScrapeError(err)
	if !ok {
		log.DebugContext(ctx, "Proxy probe failed in the browser.", "error", err)
		return 0, false
	}
	switch se.Code {
	case openparcel.CodeParcelNotFound, openparcel.CodeInvalidTrackingCode:
		// A definitive answer made it through the proxy.
		return elapsed, true
	case openparcel.CodeRateLimiting, openparcel.CodeBlocked:
		log.DebugContext(ctx, "Proxy is blocked by the carrier.")
	case openparcel.CodeProxyTimeout:
		log.DebugContext(ctx, "Proxy timed out.")
	default:
		log.WarnContext(ctx, "Unexpected scrape result during proxy probe.", "code", se.Code)
	}
	return 0, false
}

// Import tests candidate proxies and saves the ones that work. Candidates
// already in the pool are skipped. Returns the saved proxies.
func (m *Manager) Import(ctx context.Context, candidates []storage.Proxy) ([]storage.Proxy, error) {
	var mu sync.Mutex
	var saved []storage.Proxy

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.cfg.TestWorkers)
	for _, candidate := range candidates {
		candidate := candidate
		group.Go(func() error {
			_, err := m.cfg.Storage.GetProxyByKey(groupCtx,
				candidate.Addr, candidate.Port, candidate.Protocol)
			if err == nil {
				m.cfg.Logger.DebugContext(groupCtx, "Skipped duplicate proxy.",
					"proxy", candidate.URL())
				return nil
			}
			if !trace.IsNotFound(err) {
				return trace.Wrap(err)
			}
			if !m.Test(groupCtx, &candidate) {
				return nil
			}
			stored, err := m.cfg.Storage.SaveProxy(groupCtx, candidate)
			if err != nil {
				return trace.Wrap(err)
			}
			mu.Lock()
			saved = append(saved, stored)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return saved, nil
}

// Refresh re-tests every active proxy in the pool, deactivating the ones
// that stopped working.
func (m *Manager) Refresh(ctx context.Context) error {
	proxies, err := m.cfg.Storage.ListActiveProxies(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.cfg.TestWorkers)
	for i := range proxies {
		p := &proxies[i]
		group.Go(func() error {
			if !m.Test(groupCtx, p) {
				m.cfg.Logger.InfoContext(groupCtx, "Proxy went dead, deactivating.",
					"proxy", p.URL())
			}
			_, err := m.cfg.Storage.SaveProxy(groupCtx, *p)
			return trace.Wrap(err)
		})
	}
	return trace.Wrap(group.Wait())
}

// Choose picks the fastest active proxy valid for the given carrier.
// Returns a NotFound error when the pool has none, in which case scrapes
// go out directly.
func (m *Manager) Choose(ctx context.Context, carrierID string) (storage.Proxy, error) {
	proxies, err := m.cfg.Storage.ListActiveProxies(ctx)
	if err != nil {
		return storage.Proxy{}, trace.Wrap(err)
	}

	var best storage.Proxy
	var bestTiming int64
	found := false
	for _, p := range proxies {
		timing, ok := p.Timing(carrierID)
		if !ok {
			continue
		}
		if !found || timing < bestTiming {
			best, bestTiming, found = p, timing, true
		}
	}
	if !found {
		return storage.Proxy{}, trace.NotFound("no active proxy can reach carrier %q", carrierID)
	}
	return best, nil
}
