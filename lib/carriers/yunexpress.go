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

	"github.com/openparcel/openparcel/lib/scraper"
)

// yunReadySelectors: index 0 is the results timeline, index 1 an empty
// results table that clears itself after a reload, index 2 a tagged row
// the site renders while results stream in.
var yunReadySelectors = []string{
	"#timeline",
	".el-table__empty-block .el-table__empty-text .empty",
	".el-table .el-table_1_column_3 .el-tooltip.el-tag--info",
}

func init() {
	Register(Descriptor{
		UID:         "yunexpress",
		Name:        "YunExpress",
		TrackingURL: "https://www.yuntrack.com/parcelTracking?id=${tracking_code}",
		AccentColor: "#04977A",
		New:         newYunExpress,
	})
}

type yunExpressAdapter struct {
	*browserAdapter
}

func newYunExpress(code string, drv scraper.Driver) Adapter {
	return &yunExpressAdapter{newBrowserAdapter(mustByID("yunexpress"), code, drv)}
}

// Fetch implements Adapter for the YunExpress tracking page.
func (a *yunExpressAdapter) Fetch(ctx context.Context) (history json.RawMessage, err error) {
	defer func() { a.finish(err) }()

	if err := a.openPage(ctx, 10*time.Second); err != nil {
		return nil, trace.Wrap(err)
	}
	// The title flip is best effort, the site keeps the old title around
	// while the SPA boots.
	if err := a.waitTitle(ctx, "Tracking Results", 8*time.Second); err != nil &&
		!scraper.IsWaitTimeout(err) {
		return nil, trace.Wrap(err)
	}

	index, err := a.waitReady(ctx, yunReadySelectors, 10*time.Second)
	if err != nil {
		return nil, a.probeOrFail(ctx, err)
	}
	if index == 1 {
		// An empty table on the first paint usually means the SPA gave up
		// half way. One reload gets it unstuck.
		if err := a.driver.Inject(ctx, "OpenParcel.disableUnloadPrompt(); location.reload();"); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := a.loadScripts(ctx); err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := a.waitReady(ctx, yunReadySelectors, 10*time.Second); err != nil {
			return nil, a.probeOrFail(ctx, err)
		}
	}
	if err := a.checkError(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	history, err = a.scrape(ctx)
	return history, trace.Wrap(err)
}
