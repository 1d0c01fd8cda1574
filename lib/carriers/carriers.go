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

// Package carriers holds the registry of supported carriers and the
// adapters that scrape their public tracking pages.
package carriers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/scraper"
)

// Adapter fetches the tracking history of a single parcel from its
// carrier's website. An adapter belongs to one scraping operation and is
// not reusable after Fetch returns.
type Adapter interface {
	// Descriptor returns the carrier this adapter scrapes.
	Descriptor() Descriptor
	// TrackingCode returns the code being tracked.
	TrackingCode() string
	// SetProxy routes the session through an outbound proxy
	// ("protocol://addr:port").
	SetProxy(proxy string)
	// Fetch runs the carrier's scrape protocol and returns the normalized
	// history payload. The underlying driver is always closed on exit.
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// NewAdapterFunc builds an adapter for one tracking code on a fresh driver
// session.
type NewAdapterFunc func(code string, drv scraper.Driver) Adapter

// Descriptor describes a carrier supported by the service.
type Descriptor struct {
	// UID is the stable carrier identifier used in URLs and storage.
	UID string
	// Name is the human-facing carrier name.
	Name string
	// TrackingURL is the tracking page template with a single
	// ${tracking_code} placeholder.
	TrackingURL string
	// AccentColor is the brand color attached to history payloads.
	AccentColor string
	// OutdatedPeriodDays is how long parcels of this carrier stay worth
	// refreshing.
	OutdatedPeriodDays int
	// New builds the carrier's adapter.
	New NewAdapterFunc
}

// CheckAndSetDefaults validates the descriptor and fills in the blanks.
func (d *Descriptor) CheckAndSetDefaults() error {
	if d.UID == "" {
		return trace.BadParameter("missing carrier UID")
	}
	if d.Name == "" {
		return trace.BadParameter("carrier %q is missing a name", d.UID)
	}
	if !strings.Contains(d.TrackingURL, "${tracking_code}") {
		return trace.BadParameter("carrier %q tracking URL has no ${tracking_code} placeholder", d.UID)
	}
	if d.New == nil {
		return trace.BadParameter("carrier %q has no adapter constructor", d.UID)
	}
	if d.AccentColor == "" {
		d.AccentColor = "#D6BC9C"
	}
	if d.OutdatedPeriodDays <= 0 {
		d.OutdatedPeriodDays = defaults.OutdatedPeriodDays
	}
	return nil
}

// URL renders the tracking page address for a tracking code.
func (d Descriptor) URL(code string) string {
	return strings.ReplaceAll(d.TrackingURL, "${tracking_code}", code)
}

// OutdatedPeriod returns the carrier's useful tracking window.
func (d Descriptor) OutdatedPeriod() time.Duration {
	return time.Duration(d.OutdatedPeriodDays) * 24 * time.Hour
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Descriptor{}
)

// Register adds a carrier to the process-wide registry. Registration is
// deterministic and order-independent; registering the same UID twice is a
// programming error and panics, matching how carriers are wired at init.
func Register(d Descriptor) {
	if err := d.CheckAndSetDefaults(); err != nil {
		panic(err)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[d.UID]; ok {
		panic(trace.AlreadyExists("carrier %q registered twice", d.UID))
	}
	registry[d.UID] = d
}

// List returns every registered carrier sorted by UID.
func List() []Descriptor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// ByID looks a carrier up by its UID.
func ByID(uid string) (Descriptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[uid]
	if !ok {
		return Descriptor{}, trace.NotFound("carrier %q does not match any of the available carriers", uid)
	}
	return d, nil
}

// mustByID is used by adapter constructors, which only run for carriers
// that are already registered.
func mustByID(uid string) Descriptor {
	d, err := ByID(uid)
	if err != nil {
		panic(err)
	}
	return d
}

// ByName looks a carrier up by its display name.
func ByName(name string) (Descriptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, d := range registry {
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, trace.NotFound("carrier named %q does not match any of the available carriers", name)
}
