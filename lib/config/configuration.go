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
	"log/slog"
	"time"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/service"
	"github.com/openparcel/openparcel/lib/utils/log"
)

// Apply copies the file configuration onto the service configuration,
// leaving unset fields for CheckAndSetDefaults to fill in.
func Apply(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return trace.BadParameter("missing file configuration")
	}

	cfg.ListenAddr = fc.ListenAddr
	cfg.DatabasePath = fc.Database
	cfg.ChromePath = fc.Scraping.ChromePath
	cfg.MaxScrapeInstances = fc.Scraping.MaxInstances
	cfg.AdmissionTimeout = time.Duration(fc.Scraping.AdmissionTimeout)
	cfg.ScrapeTimeout = time.Duration(fc.Scraping.ScrapeTimeout)
	cfg.RefreshTimeout = time.Duration(fc.Scraping.RefreshTimeout)
	cfg.ProxyTestWorkers = fc.Proxies.TestWorkers
	cfg.ProxyAPIKeys = fc.Proxies.APIKeys
	cfg.BundleSecret = fc.Bundles.Secret
	return nil
}

// InitLogger installs the process logger described by the file
// configuration and hands back the root logger.
func InitLogger(fc *FileConfig) (*slog.Logger, error) {
	logger, err := log.Initialize(log.Config{
		Severity: fc.Log.Severity,
		Format:   fc.Log.Format,
	})
	return logger, trace.Wrap(err)
}
