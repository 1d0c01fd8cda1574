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

// Package service assembles the OpenParcel daemon: storage, the scraping
// pool, the proxy manager, the freshness cache and the HTTP API, wired
// together and supervised as one unit.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/auth"
	"github.com/openparcel/openparcel/lib/cache"
	"github.com/openparcel/openparcel/lib/defaults"
	"github.com/openparcel/openparcel/lib/pool"
	"github.com/openparcel/openparcel/lib/proxy"
	"github.com/openparcel/openparcel/lib/scraper"
	"github.com/openparcel/openparcel/lib/storage"
	"github.com/openparcel/openparcel/lib/web"
)

// shutdownTimeout is how long in-flight HTTP requests get to finish once
// the service is asked to stop.
const shutdownTimeout = 5 * time.Second

// Config is the full runtime configuration of the daemon.
type Config struct {
	// ListenAddr is the host:port the HTTP API binds to.
	ListenAddr string
	// DatabasePath is the sqlite database location.
	DatabasePath string
	// ChromePath overrides the browser binary used for scraping.
	ChromePath string

	// MaxScrapeInstances caps concurrent scrapes across the process.
	MaxScrapeInstances int
	// AdmissionTimeout bounds the wait for a free scraping slot.
	AdmissionTimeout time.Duration
	// ScrapeTimeout bounds a single scrape.
	ScrapeTimeout time.Duration
	// RefreshTimeout is how stale a cached history may get before it is
	// scraped again.
	RefreshTimeout time.Duration

	// ProxyTestWorkers caps concurrent proxy probes.
	ProxyTestWorkers int
	// ProxyAPIKeys holds per-provider API keys for proxy fetching.
	ProxyAPIKeys map[string]string
	// BundleSecret decrypts request bundles submitted for carrier
	// development.
	BundleSecret string

	// Clock is the time source, swappable in tests.
	Clock clockwork.Clock
	// Logger is the root process logger.
	Logger *slog.Logger

	// NewDriver overrides the browser driver factory. Tests use this to
	// avoid launching Chrome.
	NewDriver scraper.NewDriverFunc
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.MaxScrapeInstances <= 0 {
		c.MaxScrapeInstances = defaults.MaxScrapeInstances
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = defaults.PoolAdmissionTimeout
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = defaults.ScrapeTimeout
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaults.RefreshTimeout
	}
	if c.ProxyTestWorkers <= 0 {
		c.ProxyTestWorkers = defaults.ProxyTestWorkers
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewDriver == nil {
		execPath := c.ChromePath
		c.NewDriver = func() scraper.Driver {
			d, err := scraper.NewChromeDriver(scraper.ChromeConfig{ExecPath: execPath})
			if err != nil {
				// Cannot happen: the config carries no invalid values.
				panic(err)
			}
			return d
		}
	}
	return nil
}

// Service is a fully assembled OpenParcel daemon.
type Service struct {
	cfg Config

	store   *storage.Storage
	pool    *pool.Pool
	proxies *proxy.Manager
	tracker *cache.Tracker
	auth    *auth.Service
	handler *web.Handler

	srv  *http.Server
	addr atomic.Value
}

// New opens the database and wires every component together. The service
// does not accept connections until Run is called.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := storage.Open(ctx, storage.Config{
		Path:  cfg.DatabasePath,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	scrapes, err := pool.New(pool.Config{
		MaxInstances:     cfg.MaxScrapeInstances,
		AdmissionTimeout: cfg.AdmissionTimeout,
		ScrapeTimeout:    cfg.ScrapeTimeout,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	proxies, err := proxy.NewManager(proxy.ManagerConfig{
		Storage:     store,
		NewDriver:   cfg.NewDriver,
		TestWorkers: cfg.ProxyTestWorkers,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	tracker, err := cache.New(cache.Config{
		Storage:        store,
		Pool:           scrapes,
		NewDriver:      cfg.NewDriver,
		Proxies:        proxies,
		RefreshTimeout: cfg.RefreshTimeout,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	authSvc, err := auth.New(auth.Config{Storage: store})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	handler, err := web.NewHandler(web.Config{
		Tracker: tracker,
		Auth:    authSvc,
		Storage: store,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return nil, trace.NewAggregate(err, store.Close())
	}

	return &Service{
		cfg:     cfg,
		store:   store,
		pool:    scrapes,
		proxies: proxies,
		tracker: tracker,
		auth:    authSvc,
		handler: handler,
		srv: &http.Server{
			Handler: handler,
		},
	}, nil
}

// Storage exposes the persistence layer, used by the management CLI.
func (s *Service) Storage() *storage.Storage { return s.store }

// Proxies exposes the proxy manager, used by the management CLI.
func (s *Service) Proxies() *proxy.Manager { return s.proxies }

// Addr returns the bound listen address once Run is serving, empty before
// that. Useful when the configuration asked for an ephemeral port.
func (s *Service) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// Run serves the HTTP API until ctx is cancelled or the listener fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return trace.NewAggregate(trace.Wrap(err), s.store.Close())
	}
	s.addr.Store(ln.Addr().String())
	s.cfg.Logger.InfoContext(ctx, "OpenParcel is up and running.",
		"version", openparcel.Version, "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.cfg.Logger.InfoContext(ctx, "Shutting down.")
		return trace.Wrap(s.Close())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return trace.NewAggregate(trace.Wrap(err), s.store.Close())
	}
}

// Close drains in-flight requests and releases every resource.
func (s *Service) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}
