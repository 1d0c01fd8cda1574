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

const cttTimelineSelector = `[data-block="TrackTrace.TT_Timeline_New"] ` +
	`[data-block="CustomerArea.AC_TimelineItemCustom"]`

func init() {
	Register(Descriptor{
		UID:  "ctt",
		Name: "CTT",
		TrackingURL: "https://appserver.ctt.pt/CustomerArea/PublicArea_Detail?" +
			"ObjectCodeInput=${tracking_code}&SearchInput=${tracking_code}",
		AccentColor: "#DE0024",
		New:         newCTT,
	})
}

type cttAdapter struct {
	*browserAdapter
}

func newCTT(code string, drv scraper.Driver) Adapter {
	return &cttAdapter{newBrowserAdapter(mustByID("ctt"), code, drv)}
}

// Fetch implements Adapter for the CTT tracking page.
func (a *cttAdapter) Fetch(ctx context.Context) (history json.RawMessage, err error) {
	defer func() { a.finish(err) }()

	if err := a.openPage(ctx, defaults.PageLoadTimeout); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := a.waitTitle(ctx, "Detalhe", 10*time.Second); err != nil {
		return nil, a.probeOrFail(ctx, err)
	}
	if _, err := a.waitReady(ctx, []string{cttTimelineSelector}, 10*time.Second); err != nil {
		return nil, a.probeOrFail(ctx, err)
	}
	if err := a.checkError(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	history, err = a.scrape(ctx)
	return history, trace.Wrap(err)
}
