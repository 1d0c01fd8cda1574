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
	"embed"

	"github.com/gravitational/trace"
)

//go:embed scripts/*.js
var scriptsFS embed.FS

// Script returns a bundled scraping script by name ("utils" or a carrier
// UID).
func Script(name string) (string, error) {
	data, err := scriptsFS.ReadFile("scripts/" + name + ".js")
	if err != nil {
		return "", trace.NotFound("scraping script %q is not bundled", name)
	}
	return string(data), nil
}
