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
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/config"
	"github.com/openparcel/openparcel/lib/reqbundle"
)

// BundleCommand decodes encrypted request bundles that users attach to
// carrier bug reports.
type BundleCommand struct {
	decodeCmd *kingpin.CmdClause

	ciphertext string
	secret     string

	// stdin and stdout default to the process streams.
	stdin  io.Reader
	stdout io.Writer
}

// Initialize binds the reqbundle subcommands.
func (c *BundleCommand) Initialize(app *kingpin.Application) {
	bundles := app.Command("reqbundle", "Work with encrypted request bundles.")

	c.decodeCmd = bundles.Command("decode", "Decrypt a request bundle and print its contents.")
	c.decodeCmd.Arg("ciphertext",
		"Base64 bundle ciphertext. When omitted, a framed bundle is read from stdin.").
		StringVar(&c.ciphertext)
	c.decodeCmd.Flag("secret", "Bundle secret, overrides the configuration file.").
		StringVar(&c.secret)
}

// TryRun executes the selected reqbundle subcommand.
func (c *BundleCommand) TryRun(ctx context.Context, fc *config.FileConfig, selected string) (bool, error) {
	if selected != c.decodeCmd.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.decode(fc))
}

func (c *BundleCommand) decode(fc *config.FileConfig) error {
	stdin := c.stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := c.stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	secret := c.secret
	if secret == "" {
		secret = fc.Bundles.Secret
	}
	codec, err := reqbundle.New(secret)
	if err != nil {
		return trace.Wrap(err)
	}

	ciphertext := c.ciphertext
	if ciphertext == "" {
		ciphertext, err = reqbundle.ReadBundle(stdin)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	plaintext, err := codec.Decrypt(ciphertext)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintln(stdout, plaintext)
	return nil
}
