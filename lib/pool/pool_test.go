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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/carriers"
	"github.com/openparcel/openparcel/lib/parcel"
)

// fakeAdapter blocks in Fetch until released, then returns its canned
// result.
type fakeAdapter struct {
	code    string
	release chan struct{}
	result  json.RawMessage
	err     error
}

func newFakeAdapter(code string) *fakeAdapter {
	return &fakeAdapter{
		code:    code,
		release: make(chan struct{}),
		result:  json.RawMessage(`{"history": []}`),
	}
}

func (a *fakeAdapter) Descriptor() carriers.Descriptor { return carriers.Descriptor{UID: "ctt"} }
func (a *fakeAdapter) TrackingCode() string            { return a.code }
func (a *fakeAdapter) SetProxy(string)                 {}

func (a *fakeAdapter) Fetch(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
	return a.result, a.err
}

func ref(code string) parcel.Ref {
	return parcel.Ref{CarrierID: "ctt", TrackingCode: code}
}

func TestFetchRunsOperation(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{MaxInstances: 1})
	require.NoError(t, err)

	adapter := newFakeAdapter("AA111111111AA")
	res, err := p.Fetch(ctx, ref("AA111111111AA"), adapter, nil)
	require.NoError(t, err)
	require.False(t, res.Joined)
	require.NotEmpty(t, res.Op.ID())
	require.Equal(t, 1, p.InFlight())

	close(adapter.release)
	history, err := res.Op.WaitFetched(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"history": []}`, string(history))

	outcome := &Outcome{History: history, Retrieved: time.Now().UTC()}
	res.Op.Finish(outcome)
	got, err := res.Op.WaitDone(ctx)
	require.NoError(t, err)
	require.Equal(t, outcome, got)
}

func TestFetchCoalescesSimilarRefs(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{MaxInstances: 2})
	require.NoError(t, err)

	adapter := newFakeAdapter("AA111111111AA")
	first, err := p.Fetch(ctx, ref("AA111111111AA"), adapter, nil)
	require.NoError(t, err)
	require.False(t, first.Joined)

	// Same identity joins the running operation, no second worker.
	second, err := p.Fetch(ctx, ref("AA111111111AA"), newFakeAdapter("AA111111111AA"), nil)
	require.NoError(t, err)
	require.True(t, second.Joined)
	require.Equal(t, first.Op, second.Op)
	require.Equal(t, 1, p.InFlight())

	close(adapter.release)
	_, err = first.Op.WaitFetched(ctx)
	require.NoError(t, err)
	first.Op.Finish(&Outcome{})

	_, err = second.Op.WaitDone(ctx)
	require.NoError(t, err)
}

func TestFetchSaturationTimesOut(t *testing.T) {
	p, err := New(Config{MaxInstances: 1, AdmissionTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	blocker := newFakeAdapter("AA111111111AA")
	defer close(blocker.release)
	_, err = p.Fetch(context.Background(), ref("AA111111111AA"), blocker, nil)
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), ref("BB222222222BB"), newFakeAdapter("BB222222222BB"), nil)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestFailedFetchReleasesWaiters(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{MaxInstances: 1})
	require.NoError(t, err)

	adapter := newFakeAdapter("AA111111111AA")
	adapter.result = nil
	adapter.err = &openparcel.ScrapeError{Code: openparcel.CodeParcelNotFound, Carrier: "ctt"}

	admitted, err := p.Fetch(ctx, ref("AA111111111AA"), adapter, nil)
	require.NoError(t, err)
	joined, err := p.Fetch(ctx, ref("AA111111111AA"), newFakeAdapter("AA111111111AA"), nil)
	require.NoError(t, err)
	require.True(t, joined.Joined)

	close(adapter.release)
	_, err = admitted.Op.WaitFetched(ctx)
	var se *openparcel.ScrapeError
	require.ErrorAs(t, err, &se)
	require.Equal(t, openparcel.CodeParcelNotFound, se.Code)

	// The admitting caller publishes the failure to everyone coalesced.
	admitted.Op.Finish(nil)
	_, err = joined.Op.WaitDone(ctx)
	require.ErrorAs(t, err, &se)

	// The slot frees up for the next parcel.
	require.Eventually(t, func() bool { return p.InFlight() == 0 },
		time.Second, time.Millisecond)
}
