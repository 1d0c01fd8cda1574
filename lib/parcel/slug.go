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
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/defaults"
)

var (
	trackingCodeRe = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	slugRe         = regexp.MustCompile(`^[a-z0-9-]+$`)
	alnumRe        = regexp.MustCompile(`[^a-z0-9]`)
)

// IsTrackingCodeValid reports whether a tracking code is well formed.
func IsTrackingCodeValid(code string) bool {
	return trackingCodeRe.MatchString(code)
}

// IsSlugValid reports whether a slug is well formed.
func IsSlugValid(slug string) bool {
	return len(slug) <= defaults.MaxSlugLength && slugRe.MatchString(slug)
}

// GenerateSlug builds a fresh slug for a parcel:
// the first 5 alphanumerics of the carrier uid, the first 8 alphanumerics of
// the lowercased tracking code, and 4 to 6 random bytes in hex, joined by
// dashes. The result always satisfies IsSlugValid.
func GenerateSlug(carrierUID, trackingCode string) (string, error) {
	prefix := clampAlnum(strings.ToLower(carrierUID), 5)
	fragment := clampAlnum(strings.ToLower(trackingCode), 8)
	if prefix == "" || fragment == "" {
		return "", trace.BadParameter("cannot build slug from carrier %q and code %q",
			carrierUID, trackingCode)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(3))
	if err != nil {
		return "", trace.Wrap(err)
	}
	random := make([]byte, 4+n.Int64())
	if _, err := rand.Read(random); err != nil {
		return "", trace.Wrap(err)
	}

	return prefix + "-" + fragment + "-" + hex.EncodeToString(random), nil
}

func clampAlnum(s string, max int) string {
	s = alnumRe.ReplaceAllString(s, "")
	if len(s) > max {
		s = s[:max]
	}
	return s
}
