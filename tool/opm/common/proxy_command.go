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

package common

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/config"
	"github.com/openparcel/openparcel/lib/proxy"
	"github.com/openparcel/openparcel/lib/scraper"
	"github.com/openparcel/openparcel/lib/service"
	"github.com/openparcel/openparcel/lib/storage"
)

// ProxyCommand manages the scraping proxy pool: fetching candidates from
// public providers, re-testing the stored ones and importing local lists.
type ProxyCommand struct {
	fetchCmd   *kingpin.CmdClause
	refreshCmd *kingpin.CmdClause
	importCmd  *kingpin.CmdClause

	providers      []string
	importProtocol string
	importFile     string
}

// Initialize binds the proxy subcommands.
func (c *ProxyCommand) Initialize(app *kingpin.Application) {
	proxies := app.Command("proxy", "Manage the scraping proxy pool.")

	c.fetchCmd = proxies.Command("fetch", "Fetch and test proxies from public providers.")
	c.fetchCmd.Arg("providers",
		fmt.Sprintf("Providers to fetch from, all when omitted (%s).",
			strings.Join(proxy.ProviderNames(), ", "))).
		StringsVar(&c.providers)

	c.refreshCmd = proxies.Command("refresh", "Re-test every active proxy in the pool.")

	c.importCmd = proxies.Command("import", "Test and import a host:port list from a file.")
	c.importCmd.Arg("protocol", "Proxy protocol: http, socks4 or socks5.").
		Required().EnumVar(&c.importProtocol, "http", "socks4", "socks5")
	c.importCmd.Arg("file", "Path to the proxy list.").Required().
		ExistingFileVar(&c.importFile)
}

// TryRun executes the selected proxy subcommand.
func (c *ProxyCommand) TryRun(ctx context.Context, fc *config.FileConfig, selected string) (bool, error) {
	var run func(ctx context.Context, fc *config.FileConfig, store *storage.Storage, mgr *proxy.Manager) error
	switch selected {
	case c.fetchCmd.FullCommand():
		run = c.fetch
	case c.refreshCmd.FullCommand():
		run = c.refresh
	case c.importCmd.FullCommand():
		run = c.importList
	default:
		return false, nil
	}

	store, mgr, err := buildProxyManager(ctx, fc)
	if err != nil {
		return true, trace.Wrap(err)
	}
	defer store.Close()

	return true, trace.Wrap(run(ctx, fc, store, mgr))
}

// buildProxyManager wires storage and the proxy manager from the file
// configuration, without the rest of the daemon.
func buildProxyManager(ctx context.Context, fc *config.FileConfig) (*storage.Storage, *proxy.Manager, error) {
	var cfg service.Config
	if err := config.Apply(fc, &cfg); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	store, err := storage.Open(ctx, storage.Config{Path: cfg.DatabasePath})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	execPath := cfg.ChromePath
	mgr, err := proxy.NewManager(proxy.ManagerConfig{
		Storage:     store,
		TestWorkers: cfg.ProxyTestWorkers,
		NewDriver: func() scraper.Driver {
			d, err := scraper.NewChromeDriver(scraper.ChromeConfig{ExecPath: execPath})
			if err != nil {
				panic(err)
			}
			return d
		},
	})
	if err != nil {
		return nil, nil, trace.NewAggregate(err, store.Close())
	}
	return store, mgr, nil
}

func (c *ProxyCommand) fetch(ctx context.Context, fc *config.FileConfig, store *storage.Storage, mgr *proxy.Manager) error {
	names := c.providers
	if len(names) == 0 {
		names = proxy.ProviderNames()
	}

	var candidates []storage.Proxy
	for _, name := range names {
		provider, err := proxy.NewProvider(name, proxy.ProviderConfig{
			APIKey: fc.Proxies.APIKeys[name],
		})
		if err != nil {
			return trace.Wrap(err)
		}
		fetched, err := provider.Fetch(ctx)
		if err != nil {
			return trace.Wrap(err, "fetching from %v", name)
		}
		fmt.Printf("%v: fetched %v candidates\n", name, len(fetched))
		candidates = append(candidates, fetched...)
	}

	accepted, err := mgr.Import(ctx, candidates)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("accepted %v of %v proxies into the pool\n", len(accepted), len(candidates))
	return nil
}

func (c *ProxyCommand) refresh(ctx context.Context, fc *config.FileConfig, store *storage.Storage, mgr *proxy.Manager) error {
	if err := mgr.Refresh(ctx); err != nil {
		return trace.Wrap(err)
	}
	active, err := store.ListActiveProxies(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("refresh done, %v proxies remain active\n", len(active))
	return nil
}

func (c *ProxyCommand) importList(ctx context.Context, fc *config.FileConfig, store *storage.Storage, mgr *proxy.Manager) error {
	provider := &proxy.FileList{Path: c.importFile, Protocol: c.importProtocol}
	candidates, err := provider.Fetch(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	accepted, err := mgr.Import(ctx, candidates)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("accepted %v of %v proxies into the pool\n", len(accepted), len(candidates))
	return nil
}
