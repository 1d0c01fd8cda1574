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
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// FakeDriver is a scriptable in-memory Driver used by tests across the
// repository. Zero value behaves like a page that loads instantly, matches
// the first awaited selector and evaluates everything to null.
type FakeDriver struct {
	mu sync.Mutex

	// OpenErr fails Open when set.
	OpenErr error
	// OpenDelay simulates a slow navigation.
	OpenDelay time.Duration
	// WaitIndex is returned by WaitForAny.
	WaitIndex int
	// WaitErr fails WaitForAny when set.
	WaitErr error
	// TitleErr fails WaitForTitle when set.
	TitleErr error
	// EvalFunc decides the result of Evaluate calls. When nil everything
	// evaluates to null.
	EvalFunc func(expr string) (json.RawMessage, error)

	openedURL string
	proxy     string
	injected  []string
	closes    int
}

// Open records the navigation target.
func (d *FakeDriver) Open(ctx context.Context, url string, timeout time.Duration, proxy string) error {
	if d.OpenDelay > 0 {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-time.After(d.OpenDelay):
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.openedURL = url
	d.proxy = proxy
	return nil
}

// Inject records the script.
func (d *FakeDriver) Inject(ctx context.Context, script string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injected = append(d.injected, script)
	return nil
}

// WaitForAny returns the configured index.
func (d *FakeDriver) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WaitErr != nil {
		return -1, d.WaitErr
	}
	if d.WaitIndex >= len(selectors) {
		return -1, trace.Wrap(ErrWaitTimeout)
	}
	return d.WaitIndex, nil
}

// WaitForTitle returns the configured error.
func (d *FakeDriver) WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.TitleErr
}

// Evaluate consults EvalFunc.
func (d *FakeDriver) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	d.mu.Lock()
	fn := d.EvalFunc
	d.mu.Unlock()
	if fn == nil {
		return json.RawMessage("null"), nil
	}
	return fn(expr)
}

// Close counts invocations.
func (d *FakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// OpenedURL reports the last navigation target.
func (d *FakeDriver) OpenedURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openedURL
}

// OpenedProxy reports the proxy used on Open.
func (d *FakeDriver) OpenedProxy() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proxy
}

// Injected reports the scripts injected so far.
func (d *FakeDriver) Injected() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.injected...)
}

// Closes reports how many times Close ran.
func (d *FakeDriver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}
