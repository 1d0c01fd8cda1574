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

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel/lib/carriers"
	"github.com/openparcel/openparcel/lib/scraper"
	"github.com/openparcel/openparcel/lib/storage"
)

// probeDriver answers every errorCheck() call with the given scrape code,
// making each carrier probe resolve the same way.
func probeDriver(code string) scraper.NewDriverFunc {
	return func() scraper.Driver {
		return &scraper.FakeDriver{
			EvalFunc: func(expr string) (json.RawMessage, error) {
				if strings.Contains(expr, "errorCheck") {
					return json.RawMessage(fmt.Sprintf(
						`{"code": {"id": 1, "name": %q}, "data": null}`, code)), nil
				}
				return json.RawMessage("null"), nil
			},
		}
	}
}

func newTestManager(t *testing.T, newDriver scraper.NewDriverFunc) (*Manager, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	m, err := NewManager(ManagerConfig{
		Storage:     store,
		NewDriver:   newDriver,
		TestWorkers: 2,
	})
	require.NoError(t, err)
	return m, store
}

func TestRandomTrackingCode(t *testing.T) {
	shape := regexp.MustCompile(`^[A-Z]{2}[0-9]{9}[A-Z]{2}$`)
	for i := 0; i < 20; i++ {
		require.Regexp(t, shape, randomTrackingCode())
	}
}

func TestProxyTestClassification(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{name: "parcel not found means the proxy works", code: "ParcelNotFound", valid: true},
		{name: "invalid tracking code means the proxy works", code: "InvalidTrackingCode", valid: true},
		{name: "rate limiting disqualifies the carrier", code: "RateLimiting", valid: false},
		{name: "blocking disqualifies the carrier", code: "Blocked", valid: false},
		{name: "timeouts disqualify the carrier", code: "ProxyTimeout", valid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, probeDriver(tt.code))
			p := storage.Proxy{
				Addr: "10.0.0.1", Port: 1080, Protocol: "socks5", Active: true,
			}
			ok := m.Test(context.Background(), &p)
			require.Equal(t, tt.valid, ok)
			require.Equal(t, tt.valid, p.Active)
			if tt.valid {
				// Every registered carrier answered through the proxy.
				require.Len(t, p.Carriers, len(carriers.List()))
				require.GreaterOrEqual(t, p.Speed, int64(0))
			} else {
				require.Empty(t, p.Carriers)
			}
		})
	}
}

func TestProxyTestBrowserFailure(t *testing.T) {
	m, _ := newTestManager(t, func() scraper.Driver {
		return &scraper.FakeDriver{OpenErr: trace.ConnectionProblem(nil, "refused")}
	})
	p := storage.Proxy{Addr: "10.0.0.1", Port: 1080, Protocol: "http", Active: true}
	require.False(t, m.Test(context.Background(), &p))
	require.False(t, p.Active)
}

func TestImportSkipsDuplicates(t *testing.T) {
	m, store := newTestManager(t, probeDriver("ParcelNotFound"))
	ctx := context.Background()

	known := storage.Proxy{Addr: "10.0.0.1", Port: 1080, Protocol: "socks5", Active: true}
	_, err := store.SaveProxy(ctx, known)
	require.NoError(t, err)

	saved, err := m.Import(ctx, []storage.Proxy{
		known,
		{Addr: "10.0.0.2", Port: 8080, Protocol: "http", Active: true},
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, "10.0.0.2", saved[0].Addr)
	require.True(t, saved[0].Active)

	all, err := store.ListProxies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRefreshDeactivatesDeadProxies(t *testing.T) {
	m, store := newTestManager(t, probeDriver("Blocked"))
	ctx := context.Background()

	_, err := store.SaveProxy(ctx, storage.Proxy{
		Addr: "10.0.0.1", Port: 1080, Protocol: "socks5", Active: true,
		Carriers: []storage.CarrierTiming{{ID: "ctt", Timing: 100}},
	})
	require.NoError(t, err)

	require.NoError(t, m.Refresh(ctx))

	active, err := store.ListActiveProxies(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestChoosePicksFastestForCarrier(t *testing.T) {
	m, store := newTestManager(t, probeDriver("ParcelNotFound"))
	ctx := context.Background()

	for _, p := range []storage.Proxy{
		{Addr: "10.0.0.1", Port: 1080, Protocol: "socks5", Active: true, Speed: 900,
			Carriers: []storage.CarrierTiming{{ID: "ctt", Timing: 900}}},
		{Addr: "10.0.0.2", Port: 1080, Protocol: "socks5", Active: true, Speed: 500,
			Carriers: []storage.CarrierTiming{{ID: "ctt", Timing: 300}, {ID: "dhl", Timing: 700}}},
		{Addr: "10.0.0.3", Port: 1080, Protocol: "socks5", Active: false, Speed: 10,
			Carriers: []storage.CarrierTiming{{ID: "ctt", Timing: 10}}},
	} {
		_, err := store.SaveProxy(ctx, p)
		require.NoError(t, err)
	}

	best, err := m.Choose(ctx, "ctt")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", best.Addr)

	best, err = m.Choose(ctx, "dhl")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", best.Addr)

	// Inactive proxies never win, no matter how fast.
	_, err = m.Choose(ctx, "dpd-pt")
	require.True(t, trace.IsNotFound(err))
}
