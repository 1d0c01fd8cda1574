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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel/lib/defaults"
)

func TestRegistry(t *testing.T) {
	list := List()
	require.NotEmpty(t, list)

	var uids []string
	for _, d := range list {
		uids = append(uids, d.UID)
	}
	require.Equal(t, []string{"ctt", "dhl", "dpd-pt", "yunexpress"}, uids)

	ctt, err := ByID("ctt")
	require.NoError(t, err)
	require.Equal(t, "CTT", ctt.Name)

	_, err = ByID("imaginary")
	require.True(t, trace.IsNotFound(err))

	dhl, err := ByName("DHL")
	require.NoError(t, err)
	require.Equal(t, "dhl", dhl.UID)

	_, err = ByName("Carrier Pigeon")
	require.True(t, trace.IsNotFound(err))
}

func TestDescriptorURL(t *testing.T) {
	d, err := ByID("yunexpress")
	require.NoError(t, err)
	require.Equal(t,
		"https://www.yuntrack.com/parcelTracking?id=YT2502100129036527",
		d.URL("YT2502100129036527"))
}

func TestDescriptorDefaults(t *testing.T) {
	d := Descriptor{
		UID:         "test",
		Name:        "Test",
		TrackingURL: "https://example.com/${tracking_code}",
		New:         newCTT,
	}
	require.NoError(t, d.CheckAndSetDefaults())
	require.Equal(t, "#D6BC9C", d.AccentColor)
	require.Equal(t, defaults.OutdatedPeriodDays, d.OutdatedPeriodDays)
	require.Equal(t, time.Duration(defaults.OutdatedPeriodDays)*24*time.Hour, d.OutdatedPeriod())

	for _, broken := range []Descriptor{
		{Name: "n", TrackingURL: "https://x/${tracking_code}", New: newCTT},
		{UID: "u", TrackingURL: "https://x/${tracking_code}", New: newCTT},
		{UID: "u", Name: "n", TrackingURL: "https://x/code", New: newCTT},
		{UID: "u", Name: "n", TrackingURL: "https://x/${tracking_code}"},
	} {
		require.True(t, trace.IsBadParameter(broken.CheckAndSetDefaults()))
	}
}
