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

package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/defaults"
)

// ChromeConfig configures a headless Chrome driver session.
type ChromeConfig struct {
	// ExecPath overrides the browser binary location.
	ExecPath string
	// Retries is how many times a navigation is attempted before giving up.
	Retries int
	// PollInterval is how often the wait calls re-check the DOM.
	PollInterval time.Duration
	// Logger emits driver diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *ChromeConfig) CheckAndSetDefaults() error {
	if c.Retries <= 0 {
		c.Retries = defaults.PageLoadRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.With(openparcel.ComponentKey, openparcel.ComponentScraper)
	}
	return nil
}

// ChromeDriver drives a dedicated headless Chrome session through the
// DevTools protocol. Sessions are incognito, load no images and ignore
// certificate errors. A driver is not safe for concurrent use; each
// scraping operation owns exactly one.
type ChromeDriver struct {
	cfg ChromeConfig

	pageCtx     context.Context
	cancelPage  context.CancelFunc
	cancelAlloc context.CancelFunc

	redirected atomic.Bool
	closeOnce  sync.Once
}

// NewChromeDriver returns an unopened Chrome driver.
func NewChromeDriver(cfg ChromeConfig) (*ChromeDriver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ChromeDriver{cfg: cfg}, nil
}

// Open launches the browser and navigates to url, retrying failed loads.
// Going through a proxy widens the navigation deadline by the driver's base
// timeout, since every round trip pays the proxy toll.
func (d *ChromeDriver) Open(ctx context.Context, url string, timeout time.Duration, proxy string) error {
	if d.pageCtx != nil {
		return trace.BadParameter("driver session is already open")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("incognito", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
		timeout += defaults.ProxyBaseDelay
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	pageCtx, cancelPage := chromedp.NewContext(allocCtx)
	d.pageCtx, d.cancelAlloc, d.cancelPage = pageCtx, cancelAlloc, cancelPage

	chromedp.ListenTarget(pageCtx, func(ev interface{}) {
		if _, ok := ev.(*page.EventFrameNavigated); ok {
			d.redirected.Store(true)
		}
	})

	var err error
	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		navCtx, cancel := context.WithTimeout(pageCtx, timeout)
		err = chromedp.Run(navCtx, chromedp.Navigate(url))
		cancel()
		if err == nil {
			d.redirected.Store(false)
			return nil
		}
		d.cfg.Logger.DebugContext(ctx, "Navigation attempt failed.",
			"url", url, "attempt", attempt, "error", err)
	}

	// A navigation that never completed is indistinguishable from a dead
	// proxy, and is treated as one either way.
	return trace.Wrap(&openparcel.ScrapeError{Code: openparcel.CodeProxyTimeout})
}

// Inject runs a script against the loaded page.
func (d *ChromeDriver) Inject(ctx context.Context, script string) error {
	if d.pageCtx == nil {
		return trace.BadParameter("driver session is not open")
	}
	runCtx, cancel := mergeContext(d.pageCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, nil)); err != nil {
		return trace.Wrap(&openparcel.BrowserError{Err: err})
	}
	return nil
}

// WaitForAny polls the DOM until any of the selectors matches and returns
// its index. A redirect observed while waiting restarts the wait once.
func (d *ChromeDriver) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (int, error) {
	if d.pageCtx == nil {
		return -1, trace.BadParameter("driver session is not open")
	}
	sels, err := json.Marshal(selectors)
	if err != nil {
		return -1, trace.Wrap(err)
	}
	expr := fmt.Sprintf(
		`(function(sels){for(let i=0;i<sels.length;i++){if(document.querySelector(sels[i]))return i;}return -1;})(%s)`,
		sels)

	retried := false
	deadline := time.Now().Add(timeout)
	for {
		raw, err := d.Evaluate(ctx, expr)
		if err != nil {
			return -1, trace.Wrap(err)
		}
		var index int
		if err := json.Unmarshal(raw, &index); err != nil {
			return -1, trace.Wrap(err)
		}
		if index >= 0 {
			return index, nil
		}

		if d.redirected.Swap(false) && !retried {
			retried = true
			deadline = time.Now().Add(timeout)
		}
		if time.Now().After(deadline) {
			return -1, trace.Wrap(ErrWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return -1, trace.Wrap(ctx.Err())
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// WaitForTitle polls until the page title contains substr.
func (d *ChromeDriver) WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error {
	quoted, err := json.Marshal(substr)
	if err != nil {
		return trace.Wrap(err)
	}
	expr := fmt.Sprintf(`document.title.includes(%s)`, quoted)

	deadline := time.Now().Add(timeout)
	for {
		raw, err := d.Evaluate(ctx, expr)
		if err != nil {
			return trace.Wrap(err)
		}
		var ok bool
		if err := json.Unmarshal(raw, &ok); err != nil {
			return trace.Wrap(err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return trace.Wrap(ErrWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Evaluate runs an expression on the page and returns its JSON value.
func (d *ChromeDriver) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	if d.pageCtx == nil {
		return nil, trace.BadParameter("driver session is not open")
	}
	runCtx, cancel := mergeContext(d.pageCtx, ctx)
	defer cancel()
	var res json.RawMessage
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, &res)); err != nil {
		return nil, trace.Wrap(&openparcel.BrowserError{Err: err})
	}
	if len(res) == 0 {
		res = json.RawMessage("null")
	}
	return res, nil
}

// Close tears the browser session down. Safe to call more than once and on
// a driver that never opened.
func (d *ChromeDriver) Close() error {
	d.closeOnce.Do(func() {
		if d.cancelPage != nil {
			d.cancelPage()
		}
		if d.cancelAlloc != nil {
			d.cancelAlloc()
		}
	})
	return nil
}

// mergeContext derives a context from the browser session that is also
// cancelled when the caller's context is.
func mergeContext(session, caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(session)
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
