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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/openparcel/lib/config"
	"github.com/openparcel/openparcel/lib/reqbundle"
)

// runBundleCommand parses args and dispatches them to a BundleCommand with
// the given stdin, the way opm itself would.
func runBundleCommand(t *testing.T, fc *config.FileConfig, stdin string, args ...string) (string, error) {
	t.Helper()

	app := kingpin.New("opm", "test")
	cmd := &BundleCommand{
		stdin:  strings.NewReader(stdin),
		stdout: &bytes.Buffer{},
	}
	cmd.Initialize(app)

	selected, err := app.Parse(args)
	require.NoError(t, err)

	match, err := cmd.TryRun(context.Background(), fc, selected)
	require.True(t, match)
	return cmd.stdout.(*bytes.Buffer).String(), err
}

func TestBundleDecodeFromStdin(t *testing.T) {
	const secret = "shared secret"
	codec, err := reqbundle.New(secret)
	require.NoError(t, err)

	payload := `{"request": {"url": "https://example.com/track"}}`
	body, err := codec.Encrypt(payload)
	require.NoError(t, err)

	fc := &config.FileConfig{}
	fc.Bundles.Secret = secret

	stdin := "Forwarded report, capture attached.\n\n" +
		reqbundle.Format(body) +
		"\nThanks.\n"
	out, err := runBundleCommand(t, fc, stdin, "reqbundle", "decode")
	require.NoError(t, err)
	require.Equal(t, payload+"\n", out)
}

func TestBundleDecodeFromArgument(t *testing.T) {
	const secret = "shared secret"
	codec, err := reqbundle.New(secret)
	require.NoError(t, err)

	payload := "carrier response data"
	body, err := codec.Encrypt(payload)
	require.NoError(t, err)

	out, err := runBundleCommand(t, &config.FileConfig{}, "",
		"reqbundle", "decode", "--secret", secret, body)
	require.NoError(t, err)
	require.Equal(t, payload+"\n", out)
}
