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

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/storage"
)

// Provider fetches candidate proxy servers from an external list service.
// Candidates are untested; the manager weeds them out before they are
// saved.
type Provider interface {
	// Name returns the provider's lowercase identifier.
	Name() string
	// Fetch downloads the provider's current proxy list.
	Fetch(ctx context.Context) ([]storage.Proxy, error)
}

// ProviderConfig carries the settings shared by all list providers.
type ProviderConfig struct {
	// APIKey authenticates against the provider, where required.
	APIKey string
	// Client performs the HTTP requests. Defaults to
	// http.DefaultClient.
	Client *http.Client
}

func (c *ProviderConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	return nil
}

// NewProvider builds a list provider by its identifier.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch strings.ToLower(name) {
	case "pubproxy":
		return &PubProxy{cfg: cfg}, nil
	case "proxifly":
		return &Proxifly{cfg: cfg, Quantity: 5}, nil
	case "openproxyspace":
		return &OpenProxySpace{cfg: cfg, Quantity: 5}, nil
	case "proxyscrapefree":
		return &ProxyScrapeFree{cfg: cfg, TimeoutMillis: 8000}, nil
	case "webshare":
		return &WebShare{cfg: cfg, Quantity: 25}, nil
	}
	return nil, trace.NotFound("proxy provider %q does not match any of the available providers", name)
}

// ProviderNames returns the identifiers NewProvider accepts.
func ProviderNames() []string {
	return []string{"openproxyspace", "proxifly", "proxyscrapefree", "pubproxy", "webshare"}
}

// getJSON performs a GET request and decodes the JSON body into out.
func getJSON(ctx context.Context, client *http.Client, url string, headers http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	for key, values := range headers {
		req.Header[key] = values
	}
	return trace.Wrap(doJSON(client, req, out))
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.BadParameter("proxy list request to %v failed with HTTP status %v",
			req.URL.Host, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(json.Unmarshal(body, out))
}

// PubProxy pulls candidates from pubproxy.com. The free tier caps each
// request at five proxies, so the list is fetched once per protocol.
type PubProxy struct {
	cfg ProviderConfig
	// CountryDenylist excludes proxies hosted in the given countries.
	CountryDenylist []string
}

func (p *PubProxy) Name() string { return "pubproxy" }

func (p *PubProxy) Fetch(ctx context.Context) ([]storage.Proxy, error) {
	var out []storage.Proxy
	for _, protocol := range []string{"http", "socks4", "socks5"} {
		page, err := p.fetchProtocol(ctx, protocol)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, page...)
	}
	return out, nil
}

func (p *PubProxy) fetchProtocol(ctx context.Context, protocol string) ([]storage.Proxy, error) {
	url := "http://pubproxy.com/api/proxy?format=json&last_check=30&speed=10" +
		"&https=true&post=true&user_agent=true&cookies=true&referer=true"
	limit := 5
	if p.cfg.APIKey != "" {
		url += "&api=" + p.cfg.APIKey
		limit = 20
	}
	url += "&limit=" + strconv.Itoa(limit)
	if len(p.CountryDenylist) > 0 {
		url += "&not_country=" + strings.Join(p.CountryDenylist, ",")
	}
	url += "&type=" + protocol

	// The API returns ports and speeds as strings.
	var resp struct {
		Data []struct {
			IP      string `json:"ip"`
			Port    string `json:"port"`
			Country string `json:"country"`
			Speed   string `json:"speed"`
			Type    string `json:"type"`
		} `json:"data"`
	}
	if err := getJSON(ctx, p.cfg.Client, url, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}

	var out []storage.Proxy
	for _, item := range resp.Data {
		port, err := strconv.Atoi(item.Port)
		if err != nil {
			continue
		}
		speed, err := strconv.Atoi(item.Speed)
		if err != nil {
			speed = -1
		} else {
			speed *= 1000
		}
		out = append(out, storage.Proxy{
			Addr:     item.IP,
			Port:     port,
			Country:  strings.ToUpper(item.Country),
			Speed:    int64(speed),
			Protocol: strings.ToLower(item.Type),
			Active:   true,
		})
	}
	return out, nil
}

// Proxifly pulls candidates from api.proxifly.dev.
type Proxifly struct {
	cfg ProviderConfig
	// Quantity is how many proxies to ask for.
	Quantity int
}

func (p *Proxifly) Name() string { return "proxifly" }

func (p *Proxifly) Fetch(ctx context.Context) ([]storage.Proxy, error) {
	options := map[string]any{
		"format":   "json",
		"protocol": []string{"http", "socks4", "socks5"},
		"quantity": p.Quantity,
		"https":    true,
		"speed":    10000,
	}
	if p.cfg.APIKey != "" {
		options["apiKey"] = p.cfg.APIKey
	}
	body, err := json.Marshal(options)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.proxifly.dev/get-proxy", bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp []struct {
		IP          string `json:"ip"`
		Port        int    `json:"port"`
		Score       int    `json:"score"`
		Protocol    string `json:"protocol"`
		Geolocation struct {
			Country string `json:"country"`
		} `json:"geolocation"`
	}
	if err := doJSON(p.cfg.Client, req, &resp); err != nil {
		return nil, trace.Wrap(err)
	}

	out := make([]storage.Proxy, 0, len(resp))
	for _, item := range resp {
		out = append(out, storage.Proxy{
			Addr:     item.IP,
			Port:     item.Port,
			Country:  strings.ToUpper(item.Geolocation.Country),
			Speed:    int64(item.Score) * 1000,
			Protocol: strings.ToLower(item.Protocol),
			Active:   true,
		})
	}
	return out, nil
}

// OpenProxySpace pulls candidates from the Open Proxy Space premium API.
type OpenProxySpace struct {
	cfg ProviderConfig
	// Quantity is how many proxies to ask for.
	Quantity int
}

func (p *OpenProxySpace) Name() string { return "openproxyspace" }

// protoFromIndex maps the API's numeric protocol tags to names.
func protoFromIndex(index int) (string, bool) {
	switch index {
	case 1:
		return "http", true
	case 2:
		return "socks4", true
	case 3:
		return "socks5", true
	}
	return "", false
}

func (p *OpenProxySpace) Fetch(ctx context.Context) ([]storage.Proxy, error) {
	url := "https://api.openproxy.space/premium/json" +
		"?apiKey=" + p.cfg.APIKey +
		"&amount=" + strconv.Itoa(p.Quantity) +
		"&smart=1&stableAverage=0&status=1&uptime=99"

	var resp []struct {
		IP        string `json:"ip"`
		Port      int    `json:"port"`
		Country   string `json:"country"`
		Timeout   int    `json:"timeout"`
		Protocols []int  `json:"protocols"`
	}
	if err := getJSON(ctx, p.cfg.Client, url, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}

	var out []storage.Proxy
	for _, item := range resp {
		for _, index := range item.Protocols {
			protocol, ok := protoFromIndex(index)
			if !ok {
				continue
			}
			out = append(out, storage.Proxy{
				Addr:     item.IP,
				Port:     item.Port,
				Country:  strings.ToUpper(item.Country),
				Speed:    int64(item.Timeout),
				Protocol: protocol,
				Active:   true,
			})
		}
	}
	return out, nil
}

// ProxyScrapeFree pulls candidates from ProxyScrape's free list. Dead and
// non-TLS entries are dropped; the rest come back fastest first.
type ProxyScrapeFree struct {
	cfg ProviderConfig
	// TimeoutMillis is the provider-side response time cutoff.
	TimeoutMillis int
}

func (p *ProxyScrapeFree) Name() string { return "proxyscrapefree" }

func (p *ProxyScrapeFree) Fetch(ctx context.Context) ([]storage.Proxy, error) {
	url := "https://api.proxyscrape.com/v3/free-proxy-list/get?request=displayproxies" +
		"&protocol=all&timeout=" + strconv.Itoa(p.TimeoutMillis) +
		"&proxy_format=protocolipport&format=json"

	var resp struct {
		Proxies []struct {
			IP             string  `json:"ip"`
			Port           int     `json:"port"`
			Protocol       string  `json:"protocol"`
			Alive          bool    `json:"alive"`
			SSL            bool    `json:"ssl"`
			AverageTimeout float64 `json:"average_timeout"`
			IPData         struct {
				CountryCode string `json:"countryCode"`
			} `json:"ip_data"`
		} `json:"proxies"`
	}
	if err := getJSON(ctx, p.cfg.Client, url, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}

	sort.SliceStable(resp.Proxies, func(i, j int) bool {
		return resp.Proxies[i].AverageTimeout < resp.Proxies[j].AverageTimeout
	})

	var out []storage.Proxy
	for _, item := range resp.Proxies {
		if !item.Alive || !item.SSL {
			continue
		}
		out = append(out, storage.Proxy{
			Addr:     item.IP,
			Port:     item.Port,
			Country:  strings.ToUpper(item.IPData.CountryCode),
			Speed:    int64(item.AverageTimeout + 0.5),
			Protocol: strings.ToLower(item.Protocol),
			Active:   true,
		})
	}
	return out, nil
}

// WebShare pulls candidates from the WebShare paid API. All of its proxies
// speak socks5.
type WebShare struct {
	cfg ProviderConfig
	// Quantity is the page size to ask for.
	Quantity int
	// Page selects which result page to fetch.
	Page int
}

func (p *WebShare) Name() string { return "webshare" }

func (p *WebShare) Fetch(ctx context.Context) ([]storage.Proxy, error) {
	page := p.Page
	if page <= 0 {
		page = 1
	}
	url := "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct" +
		"&page=" + strconv.Itoa(page) +
		"&page_size=" + strconv.Itoa(p.Quantity)
	headers := http.Header{"Authorization": []string{"Token " + p.cfg.APIKey}}

	var resp struct {
		Results []struct {
			ProxyAddress string `json:"proxy_address"`
			Port         int    `json:"port"`
			CountryCode  string `json:"country_code"`
		} `json:"results"`
	}
	if err := getJSON(ctx, p.cfg.Client, url, headers, &resp); err != nil {
		return nil, trace.Wrap(err)
	}

	out := make([]storage.Proxy, 0, len(resp.Results))
	for _, item := range resp.Results {
		out = append(out, storage.Proxy{
			Addr:     item.ProxyAddress,
			Port:     item.Port,
			Country:  strings.ToUpper(item.CountryCode),
			Speed:    -1,
			Protocol: "socks5",
			Active:   true,
		})
	}
	return out, nil
}

// FileList reads "host:port" pairs from a local file, one per line, all
// assumed to speak the same protocol.
type FileList struct {
	// Path is the list file location.
	Path string
	// Protocol applies to every entry in the file.
	Protocol string
}

func (p *FileList) Name() string { return "file" }

func (p *FileList) Fetch(ctx context.Context) ([]storage.Proxy, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	var out []storage.Proxy
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		addr, portStr, found := strings.Cut(line, ":")
		if !found {
			return nil, trace.BadParameter("malformed proxy list line: %q", line)
		}
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil {
			return nil, trace.BadParameter("malformed proxy port in line: %q", line)
		}
		out = append(out, storage.Proxy{
			Addr:     addr,
			Port:     port,
			Country:  "ZZ",
			Speed:    -1,
			Protocol: strings.ToLower(p.Protocol),
			Active:   true,
		})
	}
	return out, trace.Wrap(scanner.Err())
}
