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

package carriers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/scraper"
)

const dhlCheckpointSelector = ".c-tracking-result--checkpoint"

// dhlResubmit pushes the tracking form again. DHL sometimes lands on the
// search page instead of the results when it suspects automation.
const dhlResubmit = `document.querySelector(` +
	`'.c-voc-tracking-bar--button.js--tracking--input-submit').click();`

func init() {
	Register(Descriptor{
		UID:  "dhl",
		Name: "DHL",
		TrackingURL: "https://www.dhl.com/us-en/home/tracking.html?" +
			"tracking-id=${tracking_code}&submit=1",
		AccentColor: "#FFCC00",
		New:         newDHL,
	})
}

type dhlAdapter struct {
	*browserAdapter
}

func newDHL(code string, drv scraper.Driver) Adapter {
	return &dhlAdapter{newBrowserAdapter(mustByID("dhl"), code, drv)}
}

// Fetch implements Adapter for the DHL tracking page.
func (a *dhlAdapter) Fetch(ctx context.Context) (history json.RawMessage, err error) {
	defer func() { a.finish(err) }()

	if err := a.openPage(ctx, defaults.PageLoadTimeout); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := a.checkError(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := a.waitTitle(ctx, "Track & Trace", 10*time.Second); err != nil {
		if !scraper.IsWaitTimeout(err) {
			return nil, trace.Wrap(err)
		}
		// Anti-scraping interstitial: probe for a classified failure,
		// then resubmit the form and give the results one more chance.
		if perr := a.checkError(ctx); perr != nil {
			return nil, trace.Wrap(perr)
		}
		if err := a.driver.Inject(ctx, dhlResubmit); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := a.waitTitle(ctx, "Track & Trace", 10*time.Second); err != nil {
			return nil, a.probeOrFail(ctx, err)
		}
	}

	// The resubmission may have navigated, so make sure the scripts are
	// still on the page.
	if err := a.loadScripts(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := a.waitReady(ctx, []string{dhlCheckpointSelector}, defaults.ElementWaitTimeout); err != nil {
		return nil, a.probeOrFail(ctx, err)
	}
	history, err = a.scrape(ctx)
	return history, trace.Wrap(err)
}
