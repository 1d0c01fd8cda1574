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

package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/scraper"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.HTTPListenAddr, cfg.ListenAddr)
	require.Equal(t, defaults.DatabasePath, cfg.DatabasePath)
	require.Equal(t, defaults.MaxScrapeInstances, cfg.MaxScrapeInstances)
	require.Equal(t, defaults.PoolAdmissionTimeout, cfg.AdmissionTimeout)
	require.Equal(t, defaults.ScrapeTimeout, cfg.ScrapeTimeout)
	require.Equal(t, defaults.RefreshTimeout, cfg.RefreshTimeout)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.NewDriver)
}

func TestServiceServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := New(ctx, Config{
		ListenAddr:   "127.0.0.1:0",
		DatabasePath: ":memory:",
		NewDriver:    func() scraper.Driver { return &scraper.FakeDriver{} },
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Addr() != "" },
		5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, openparcel.Version, resp.Header.Get(openparcel.VersionHeader))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down in time")
	}
}
