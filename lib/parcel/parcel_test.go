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

package parcel

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsTrackingCodeValid(t *testing.T) {
	require.True(t, IsTrackingCodeValid("RR123456789PT"))
	require.True(t, IsTrackingCodeValid("1Z-999-AA1"))
	require.False(t, IsTrackingCodeValid("no spaces"))
	require.False(t, IsTrackingCodeValid("semi;colon"))
	require.False(t, IsTrackingCodeValid(""))
}

func TestGenerateSlug(t *testing.T) {
	slug, err := GenerateSlug("ctt", "RR123456789PT")
	require.NoError(t, err)
	require.True(t, IsSlugValid(slug))
	require.Regexp(t, regexp.MustCompile(`^ctt-rr123456-[0-9a-f]{8,12}$`), slug)

	// Long carrier uids and codes get clamped, not rejected.
	slug, err = GenerateSlug("yunexpress", "YT2502100129036527")
	require.NoError(t, err)
	require.True(t, IsSlugValid(slug))
	require.Regexp(t, regexp.MustCompile(`^yunex-yt250210-`), slug)

	// Two slugs for the same parcel differ in the random tail.
	other, err := GenerateSlug("yunexpress", "YT2502100129036527")
	require.NoError(t, err)
	require.NotEqual(t, slug, other)

	_, err = GenerateSlug("---", "!!!")
	require.Error(t, err)
}

func TestIsSlugValid(t *testing.T) {
	require.True(t, IsSlugValid("ctt-rr123456-00aabbcc"))
	require.False(t, IsSlugValid("CTT-rr123456-00aabbcc"))
	require.False(t, IsSlugValid("ctt rr123456"))
	require.False(t, IsSlugValid(""))
	require.False(t, IsSlugValid("ctt-rr123456-0123456789abcdef0123456789abcdef"))
}

func TestRefSimilar(t *testing.T) {
	byKey := Ref{CarrierID: "ctt", TrackingCode: "RR123456789PT"}
	bySlug := Ref{Slug: "ctt-rr123456-00aabbcc"}
	full := Ref{CarrierID: "ctt", TrackingCode: "RR123456789PT", Slug: "ctt-rr123456-00aabbcc"}

	require.True(t, byKey.Similar(full))
	require.True(t, bySlug.Similar(full))
	require.False(t, bySlug.Similar(byKey))
	require.False(t, byKey.Similar(Ref{CarrierID: "dhl", TrackingCode: "RR123456789PT"}))
}

func TestParcelOutdated(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	period := 90 * 24 * time.Hour

	fresh := Parcel{Created: now.Add(-time.Hour)}
	require.False(t, fresh.Outdated(now, period))

	old := Parcel{Created: now.Add(-period - time.Second)}
	require.True(t, old.Outdated(now, period))

	edge := Parcel{Created: now.Add(-period)}
	require.False(t, edge.Outdated(now, period))
}
