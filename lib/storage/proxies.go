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

package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gravitational/trace"
)

// CarrierTiming records how long a proxy took to scrape one carrier, in
// milliseconds. A proxy's valid carrier list is the set of these entries.
type CarrierTiming struct {
	// ID is the carrier uid.
	ID string `json:"id"`
	// Timing is the scrape duration in milliseconds.
	Timing int64 `json:"timing"`
}

// Proxy is one usable outbound proxy server.
type Proxy struct {
	// ID is the database row id, zero before the first save.
	ID int64
	// Addr is the proxy host.
	Addr string
	// Port is the proxy port.
	Port int
	// Country is the ISO country code the provider reported, if any.
	Country string
	// Speed is the mean scrape duration across valid carriers, in
	// milliseconds. Negative means untested.
	Speed int64
	// Protocol is one of http, https, socks4 or socks5.
	Protocol string
	// Active reports whether the proxy passed its last test round.
	Active bool
	// Carriers lists the carriers the proxy works with.
	Carriers []CarrierTiming
}

// URL renders the proxy as a scheme://host:port address.
func (p Proxy) URL() string {
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Addr, p.Port)
}

// Timing returns the recorded timing for a carrier and whether the carrier
// is in the proxy's valid list.
func (p Proxy) Timing(carrierID string) (int64, bool) {
	for _, ct := range p.Carriers {
		if ct.ID == carrierID {
			return ct.Timing, true
		}
	}
	return 0, false
}

func scanProxy(scan func(dest ...any) error) (Proxy, error) {
	var p Proxy
	var active int
	var carriers string
	err := scan(&p.ID, &p.Addr, &p.Port, &p.Country, &p.Speed, &p.Protocol,
		&active, &carriers)
	if err != nil {
		return Proxy{}, convertError(err)
	}
	p.Active = active != 0
	if err := json.Unmarshal([]byte(carriers), &p.Carriers); err != nil {
		return Proxy{}, trace.Wrap(err)
	}
	return p, nil
}

const proxyColumns = `id, addr, port, country, speed, protocol, active, carriers`

// ListProxies returns every stored proxy.
func (s *Storage) ListProxies(ctx context.Context) ([]Proxy, error) {
	return s.queryProxies(ctx,
		`SELECT `+proxyColumns+` FROM proxies ORDER BY speed`)
}

// ListActiveProxies returns the proxies that passed their last test,
// fastest first.
func (s *Storage) ListActiveProxies(ctx context.Context) ([]Proxy, error) {
	return s.queryProxies(ctx,
		`SELECT `+proxyColumns+` FROM proxies WHERE active = 1 ORDER BY speed`)
}

func (s *Storage) queryProxies(ctx context.Context, query string, args ...any) ([]Proxy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		p, err := scanProxy(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// GetProxyByKey returns the proxy with the given address, port and protocol.
func (s *Storage) GetProxyByKey(ctx context.Context, addr string, port int, protocol string) (Proxy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proxyColumns+` FROM proxies
		 WHERE addr = ? AND port = ? AND protocol = ?`,
		addr, port, protocol)
	p, err := scanProxy(row.Scan)
	return p, trace.Wrap(err)
}

// SaveProxy inserts the proxy or, when its (addr, port, protocol) key is
// already known, overwrites the existing row's test results.
func (s *Storage) SaveProxy(ctx context.Context, p Proxy) (Proxy, error) {
	carriers, err := json.Marshal(p.Carriers)
	if err != nil {
		return Proxy{}, trace.Wrap(err)
	}
	if p.Carriers == nil {
		carriers = []byte("[]")
	}
	active := 0
	if p.Active {
		active = 1
	}
	// RETURNING yields the row id on both the insert and the update arm,
	// which LastInsertId does not.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO proxies (addr, port, country, speed, protocol, active, carriers)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (addr, port, protocol) DO UPDATE SET
			country = excluded.country,
			speed = excluded.speed,
			active = excluded.active,
			carriers = excluded.carriers
		 RETURNING id`,
		p.Addr, p.Port, p.Country, p.Speed, p.Protocol, active, string(carriers))
	if err := row.Scan(&p.ID); err != nil {
		return Proxy{}, convertError(err)
	}
	return p, nil
}
