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

// Package config parses the YAML configuration file and applies it onto the
// service configuration.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "10s" style YAML
// strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// FileConfig mirrors the layout of the YAML configuration file. Zero
// values mean "not set"; defaults are filled in by the service config.
type FileConfig struct {
	// ListenAddr is the host:port the HTTP API binds to.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Database is the sqlite database location.
	Database string `yaml:"database,omitempty"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log,omitempty"`
	// Scraping tunes the browser pool.
	Scraping ScrapingConfig `yaml:"scraping,omitempty"`
	// Proxies configures proxy providers and probing.
	Proxies ProxiesConfig `yaml:"proxies,omitempty"`
	// Bundles configures request bundle decryption.
	Bundles BundlesConfig `yaml:"bundles,omitempty"`
}

// LogConfig selects the logger output.
type LogConfig struct {
	// Severity is debug, info, warn or error.
	Severity string `yaml:"severity,omitempty"`
	// Format is text or json.
	Format string `yaml:"format,omitempty"`
}

// ScrapingConfig tunes the browser pool and the freshness cache.
type ScrapingConfig struct {
	// MaxInstances caps concurrent scrapes.
	MaxInstances int `yaml:"max_instances,omitempty"`
	// AdmissionTimeout bounds the wait for a scraping slot.
	AdmissionTimeout Duration `yaml:"admission_timeout,omitempty"`
	// ScrapeTimeout bounds a single scrape.
	ScrapeTimeout Duration `yaml:"scrape_timeout,omitempty"`
	// RefreshTimeout is the cache freshness window.
	RefreshTimeout Duration `yaml:"refresh_timeout,omitempty"`
	// ChromePath overrides the browser binary.
	ChromePath string `yaml:"chrome_path,omitempty"`
}

// ProxiesConfig configures the proxy subsystem.
type ProxiesConfig struct {
	// TestWorkers caps concurrent proxy probes.
	TestWorkers int `yaml:"test_workers,omitempty"`
	// APIKeys holds per-provider API keys, keyed by provider name.
	APIKeys map[string]string `yaml:"api_keys,omitempty"`
}

// BundlesConfig configures request bundle handling.
type BundlesConfig struct {
	// Secret is the shared key request bundles are encrypted with.
	Secret string `yaml:"secret,omitempty"`
}

// ReadConfigFile loads and parses the configuration file at path.
func ReadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	fc, err := ReadConfig(bytes.NewReader(data))
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return fc, nil
}

// ReadConfig parses YAML configuration from the reader. Unknown fields are
// rejected so typos do not silently become defaults.
func ReadConfig(r io.Reader) (*FileConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fc FileConfig
	if err := dec.Decode(&fc); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, trace.BadParameter("failed to parse configuration: %v", err)
	}
	return &fc, nil
}
