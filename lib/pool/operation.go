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

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/carriers"
	"github.com/openparcel/openparcel/lib/parcel"
)

// State is the phase a scraping operation is in. States are monotonically
// non-decreasing.
type State int

const (
	// StateSetup means the operation exists but has not been admitted.
	StateSetup State = iota
	// StateFetching means the worker is scraping the carrier.
	StateFetching
	// StateFetched means the worker finished, successfully or not.
	StateFetched
	// StateScraped means the result has been collected from the worker.
	StateScraped
	// StateDone means the caller persisted the result; coalesced waiters
	// may now read it.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "SETUP"
	case StateFetching:
		return "FETCHING"
	case StateFetched:
		return "FETCHED"
	case StateScraped:
		return "SCRAPED"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is what a finished operation hands to every waiter coalesced on
// it: the persisted parcel row and the freshly scraped history. The
// waiter's own user-level fields (name, archived) are never part of it.
type Outcome struct {
	// Parcel is the persisted parcel row, including db id, slug and
	// created timestamp.
	Parcel parcel.Parcel
	// History is the normalized history payload.
	History json.RawMessage
	// Retrieved is the timestamp recorded on the new snapshot.
	Retrieved time.Time
}

// Operation is one in-flight scrape. The admitting caller drives it through
// WaitFetched and Finish; coalesced callers block on WaitDone and copy the
// outcome.
type Operation struct {
	id      string
	adapter carriers.Adapter
	ref     parcel.Ref
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	err     error
	stack   string
	history json.RawMessage
	outcome *Outcome

	fetched  chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newOperation(ref parcel.Ref, adapter carriers.Adapter, log *slog.Logger) *Operation {
	id := uuid.NewString()
	return &Operation{
		id:      id,
		adapter: adapter,
		ref:     ref,
		log: log.With("op_id", id,
			"carrier", ref.CarrierID, "tracking_code", ref.TrackingCode),
		state:   StateSetup,
		fetched: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the unique id of this operation, used to correlate its log
// entries.
func (o *Operation) ID() string { return o.id }

// Ref returns the parcel identity this operation is scraping.
func (o *Operation) Ref() parcel.Ref { return o.ref }

// State returns the current phase.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// setState advances the phase; moving backwards is a no-op.
func (o *Operation) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s > o.state {
		o.state = s
	}
}

// run is the worker body. Every failure is captured rather than propagated;
// the awaiting caller re-raises it from WaitFetched.
func (o *Operation) run(ctx context.Context) {
	o.setState(StateFetching)
	o.log.Debug("Started scraping fetch.")

	history, err := o.adapter.Fetch(ctx)
	if err != nil {
		o.storeError(err)
	} else {
		o.mu.Lock()
		o.history = history
		o.mu.Unlock()
	}

	o.log.Debug("Finished scraping fetch.")
	o.setState(StateFetched)
	o.setState(StateScraped)
	close(o.fetched)
}

// storeError captures a worker failure together with its report. Parcels
// that are simply unknown to the carrier are an expected outcome and are
// kept quiet.
func (o *Operation) storeError(err error) {
	report := trace.DebugReport(err)
	o.mu.Lock()
	o.err = err
	o.stack = report
	o.mu.Unlock()

	if se, ok := openparcel.AsScrapeError(err); ok && se.Expected() {
		return
	}
	o.log.Warn("Scraping fetch failed.", "error", err, "report", report)
}

// WaitFetched blocks until the worker finished and returns its result. The
// caller giving up does not stop the worker; the operation keeps running
// for the benefit of coalesced waiters.
func (o *Operation) WaitFetched(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case <-o.fetched:
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, trace.Wrap(o.err)
	}
	return o.history, nil
}

// Err returns the failure captured by the worker, if any.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Finish marks the operation done with the persisted outcome, releasing
// every coalesced waiter. Calling Finish with a nil outcome publishes the
// captured failure instead. Idempotent.
func (o *Operation) Finish(outcome *Outcome) {
	o.doneOnce.Do(func() {
		o.mu.Lock()
		o.outcome = outcome
		o.mu.Unlock()
		o.setState(StateDone)
		close(o.done)
	})
}

// IsDone reports whether the operation has fully completed.
func (o *Operation) IsDone() bool {
	return o.State() >= StateDone
}

// WaitDone blocks until the admitting caller finished persisting and
// returns the shared outcome.
func (o *Operation) WaitDone(ctx context.Context) (*Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case <-o.done:
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcome == nil {
		if o.err != nil {
			return nil, trace.Wrap(o.err)
		}
		return nil, trace.NotFound("scraping operation finished without a result")
	}
	return o.outcome, nil
}
