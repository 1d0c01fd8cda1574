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
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/scraper"
)

// fetchState tracks where a browser adapter is in its scrape protocol.
// States only ever move forward.
type fetchState int

const (
	stateInitial fetchState = iota
	stateNavigated
	stateScriptsLoaded
	statePageReady
	stateScraped
	stateDone
	stateFailed
)

func (s fetchState) String() string {
	switch s {
	case stateInitial:
		return "INITIAL"
	case stateNavigated:
		return "NAVIGATED"
	case stateScriptsLoaded:
		return "SCRIPTS_LOADED"
	case statePageReady:
		return "PAGE_READY"
	case stateScraped:
		return "SCRAPED"
	case stateDone:
		return "DONE"
	case stateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("fetchState(%d)", int(s))
}

// browserAdapter is the machinery shared by every carrier that scrapes
// through a headless browser: navigation, script injection, readiness
// waits, the error probe and the final scrape call.
type browserAdapter struct {
	desc   Descriptor
	code   string
	proxy  string
	driver scraper.Driver
	log    *slog.Logger
	state  fetchState
}

func newBrowserAdapter(desc Descriptor, code string, drv scraper.Driver) *browserAdapter {
	return &browserAdapter{
		desc:   desc,
		code:   code,
		driver: drv,
		log: slog.With(
			openparcel.ComponentKey, openparcel.ComponentCarrier,
			"carrier", desc.UID,
		),
		state: stateInitial,
	}
}

// Descriptor implements Adapter.
func (a *browserAdapter) Descriptor() Descriptor { return a.desc }

// TrackingCode implements Adapter.
func (a *browserAdapter) TrackingCode() string { return a.code }

// SetProxy implements Adapter.
func (a *browserAdapter) SetProxy(proxy string) { a.proxy = proxy }

func (a *browserAdapter) advance(s fetchState) {
	if s > a.state {
		a.state = s
	}
}

// openPage navigates to the carrier's tracking page and injects the
// scraping scripts.
func (a *browserAdapter) openPage(ctx context.Context, timeout time.Duration) error {
	if a.code == "" {
		return trace.BadParameter("no tracking code was supplied")
	}
	if err := a.driver.Open(ctx, a.desc.URL(a.code), timeout, a.proxy); err != nil {
		return trace.Wrap(err)
	}
	a.advance(stateNavigated)
	return trace.Wrap(a.loadScripts(ctx))
}

// loadScripts injects the common utilities and the carrier-specific script.
// Scripts are loaded once per page: the utility script plants a sentinel
// node that marks them present after a reload check.
func (a *browserAdapter) loadScripts(ctx context.Context) error {
	raw, err := a.driver.Evaluate(ctx,
		fmt.Sprintf(`document.getElementById(%q) !== null`, scraper.SentinelElementID))
	if err == nil {
		var present bool
		if json.Unmarshal(raw, &present) == nil && present {
			a.advance(stateScriptsLoaded)
			return nil
		}
	}

	for _, name := range []string{"utils", a.desc.UID} {
		script, err := Script(name)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := a.driver.Inject(ctx, script); err != nil {
			return trace.Wrap(err)
		}
	}
	a.advance(stateScriptsLoaded)
	return nil
}

// waitReady blocks until one of the readiness selectors shows up and
// returns its index.
func (a *browserAdapter) waitReady(ctx context.Context, selectors []string, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = defaults.ElementWaitTimeout
	}
	index, err := a.driver.WaitForAny(ctx, selectors, timeout)
	if err != nil {
		return -1, trace.Wrap(err)
	}
	a.advance(statePageReady)
	return index, nil
}

func (a *browserAdapter) waitTitle(ctx context.Context, substr string, timeout time.Duration) error {
	return trace.Wrap(a.driver.WaitForTitle(ctx, substr, timeout))
}

// probeResult is the shape returned by the errorCheck() scraping call.
type probeResult struct {
	Code struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"code"`
	Data json.RawMessage `json:"data"`
}

// checkError runs the carrier script's error probe. A nil return means the
// page shows no known failure condition.
func (a *browserAdapter) checkError(ctx context.Context) error {
	raw, err := a.driver.Evaluate(ctx, "OpenParcel.errorCheck();")
	if err != nil {
		return trace.Wrap(err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var probe probeResult
	if err := json.Unmarshal(raw, &probe); err != nil {
		return trace.Wrap(err, "malformed error probe result")
	}
	return trace.Wrap(&openparcel.ScrapeError{
		Code:    openparcel.ScrapeCode(probe.Code.Name),
		Carrier: a.desc.UID,
		Data:    probe.Data,
	})
}

// scrape runs the carrier script's scrape() call and stamps the payload
// with the carrier's accent color.
func (a *browserAdapter) scrape(ctx context.Context) (json.RawMessage, error) {
	raw, err := a.driver.Evaluate(ctx, "OpenParcel.scrape();")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, trace.Wrap(err, "carrier script returned a malformed history payload")
	}
	payload["accentColor"] = a.desc.AccentColor
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.advance(stateScraped)
	return out, nil
}

// probeOrFail runs the error probe after a failed wait. When the page shows
// a classified failure that wins; otherwise a bare wait timeout means the
// page never became scrapeable and is surfaced as a browser error.
func (a *browserAdapter) probeOrFail(ctx context.Context, waitErr error) error {
	if perr := a.checkError(ctx); perr != nil {
		return trace.Wrap(perr)
	}
	if scraper.IsWaitTimeout(waitErr) {
		return trace.Wrap(&openparcel.BrowserError{Err: waitErr})
	}
	return trace.Wrap(waitErr)
}

// finish closes the driver and records the terminal state. It runs on every
// exit path of a Fetch.
func (a *browserAdapter) finish(err error) {
	if err != nil {
		a.state = stateFailed
	} else {
		a.advance(stateDone)
	}
	if cerr := a.driver.Close(); cerr != nil {
		a.log.Warn("Failed to close driver session.", "error", cerr)
	}
}
