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

// Package pool runs carrier scrapes on a bounded set of workers, coalescing
// concurrent requests for the same parcel onto a single operation.
package pool

import (
	"context"
	"log/slog"
	"time"

	"sync"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/carriers"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/parcel"
)

// Config configures the scraping pool.
type Config struct {
	// MaxInstances caps the number of concurrent scrapes.
	MaxInstances int
	// AdmissionTimeout bounds how long Fetch waits for a free slot.
	AdmissionTimeout time.Duration
	// ScrapeTimeout bounds a single detached worker.
	ScrapeTimeout time.Duration
	// Logger emits pool diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxInstances <= 0 {
		c.MaxInstances = defaults.MaxScrapeInstances
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = defaults.PoolAdmissionTimeout
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = defaults.ScrapeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.With(openparcel.ComponentKey, openparcel.ComponentPool)
	}
	return nil
}

// Pool enforces the process-wide scrape concurrency ceiling and the
// single-flight rule: at most one scrape per parcel identity at a time.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	cond      chan struct{}
	instances []*Operation
}

// New creates an empty pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:  cfg,
		cond: make(chan struct{}),
	}, nil
}

// Result is the outcome of asking the pool for a fetch: either a freshly
// admitted operation this caller is responsible for driving, or an
// in-flight operation for the same parcel that the caller joined.
type Result struct {
	// Op is the operation performing the scrape.
	Op *Operation
	// Joined is true when the caller coalesced onto somebody else's
	// operation and must wait for it instead of driving its own.
	Joined bool
}

// Fetch asks the pool to scrape the parcel identified by ref using adapter.
// If a similar operation is already in flight the caller joins it. If all
// workers are busy, Fetch blocks until a slot frees up or ctx expires, in
// which case the service reports itself as overwhelmed.
//
// The admitted worker runs detached: cancelling ctx after admission
// abandons the result but never interrupts the scrape, so coalesced
// waiters still benefit from it.
func (p *Pool) Fetch(ctx context.Context, ref parcel.Ref, adapter carriers.Adapter, log *slog.Logger) (Result, error) {
	if log == nil {
		log = p.cfg.Logger
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AdmissionTimeout)
	defer cancel()
	for {
		p.mu.Lock()
		if op := p.findLocked(ref); op != nil {
			p.mu.Unlock()
			log.Debug("Joined an in-flight scraping operation.",
				"carrier", ref.CarrierID, "tracking_code", ref.TrackingCode)
			return Result{Op: op, Joined: true}, nil
		}
		if len(p.instances) < p.cfg.MaxInstances {
			op := newOperation(ref, adapter, log)
			p.instances = append(p.instances, op)
			p.mu.Unlock()
			go p.runWorker(op)
			return Result{Op: op}, nil
		}
		wait := p.cond
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			log.Info("Admission wait timed out.",
				"carrier", ref.CarrierID, "tracking_code", ref.TrackingCode)
			return Result{}, trace.LimitExceeded(
				"could not allocate a scraper instance in time, the service is overloaded")
		case <-wait:
		}
	}
}

// InFlight reports the number of running operations.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// findLocked returns an in-flight operation similar to ref. Callers hold
// p.mu.
func (p *Pool) findLocked(ref parcel.Ref) *Operation {
	for _, op := range p.instances {
		if op.ref.Similar(ref) {
			return op
		}
	}
	return nil
}

// runWorker executes the operation on its own context, detached from the
// admitting request, then frees the slot.
func (p *Pool) runWorker(op *Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ScrapeTimeout)
	defer cancel()

	op.run(ctx)

	p.mu.Lock()
	for i, it := range p.instances {
		if it == op {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			break
		}
	}
	// Wake up everyone parked on admission.
	close(p.cond)
	p.cond = make(chan struct{})
	p.mu.Unlock()
}
