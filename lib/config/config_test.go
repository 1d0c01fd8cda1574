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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/service"
)

const sampleConfig = `
listen_addr: "0.0.0.0:9090"
database: /tmp/openparcel.db
log:
  severity: debug
  format: json
scraping:
  max_instances: 3
  admission_timeout: 5s
  scrape_timeout: 90s
  refresh_timeout: 15m
  chrome_path: /usr/bin/chromium
proxies:
  test_workers: 4
  api_keys:
    webshare: secret-key
bundles:
  secret: hunter2
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9090", fc.ListenAddr)
	require.Equal(t, "/tmp/openparcel.db", fc.Database)
	require.Equal(t, "debug", fc.Log.Severity)
	require.Equal(t, "json", fc.Log.Format)
	require.Equal(t, 3, fc.Scraping.MaxInstances)
	require.Equal(t, Duration(5*time.Second), fc.Scraping.AdmissionTimeout)
	require.Equal(t, Duration(15*time.Minute), fc.Scraping.RefreshTimeout)
	require.Equal(t, "secret-key", fc.Proxies.APIKeys["webshare"])
	require.Equal(t, "hunter2", fc.Bundles.Secret)
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	_, err := ReadConfig(strings.NewReader("listen_adr: oops\n"))
	require.True(t, trace.IsBadParameter(err))
}

func TestReadConfigRejectsBadDuration(t *testing.T) {
	_, err := ReadConfig(strings.NewReader("scraping:\n  scrape_timeout: fast\n"))
	require.True(t, trace.IsBadParameter(err))
}

func TestReadConfigEmpty(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, &FileConfig{}, fc)
}

func TestApply(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, Apply(fc, &cfg))
	require.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	require.Equal(t, "/tmp/openparcel.db", cfg.DatabasePath)
	require.Equal(t, "/usr/bin/chromium", cfg.ChromePath)
	require.Equal(t, 3, cfg.MaxScrapeInstances)
	require.Equal(t, 90*time.Second, cfg.ScrapeTimeout)
	require.Equal(t, 15*time.Minute, cfg.RefreshTimeout)
	require.Equal(t, 4, cfg.ProxyTestWorkers)
	require.Equal(t, "hunter2", cfg.BundleSecret)

	// Unset fields stay zero for CheckAndSetDefaults to fill in.
	var empty service.Config
	require.NoError(t, Apply(&FileConfig{}, &empty))
	require.NoError(t, empty.CheckAndSetDefaults())
	require.Equal(t, defaults.HTTPListenAddr, empty.ListenAddr)
	require.Equal(t, defaults.MaxScrapeInstances, empty.MaxScrapeInstances)
	require.Equal(t, defaults.RefreshTimeout, empty.RefreshTimeout)
}
