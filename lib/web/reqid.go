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

package web

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// requestUUID derives the id that ties a request's log entries and error
// responses together: the request timestamp in milliseconds, the tail of
// the path digest, the tail of the header digest and two random bytes. The
// digests make ids from the same client endpoint visually groupable while
// the random tail keeps them unique.
func requestUUID(r *http.Request, now time.Time) string {
	pathSum := hex.EncodeToString(md5sum(r.URL.Path))
	headerSum := hex.EncodeToString(md5sum(flattenHeaders(r.Header)))

	tail := make([]byte, 2)
	rand.Read(tail)

	return strconv.FormatInt(now.UnixMilli(), 10) +
		pathSum[len(pathSum)-8:] +
		headerSum[len(headerSum)-12:] +
		hex.EncodeToString(tail)
}

func md5sum(data string) []byte {
	sum := md5.Sum([]byte(data))
	return sum[:]
}

func flattenHeaders(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out strings.Builder
	for _, key := range keys {
		out.WriteString(key)
		out.WriteString(": ")
		out.WriteString(strings.Join(headers[key], ", "))
		out.WriteByte('\n')
	}
	return out.String()
}
