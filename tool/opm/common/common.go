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

// Package common implements the subcommands of the opm management tool.
package common

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel/lib/config"
)

// CLICommand is one opm subcommand family. Each implementation registers
// its commands on the application and claims the ones it recognizes at
// dispatch time.
type CLICommand interface {
	// Initialize binds the command's flags and subcommands.
	Initialize(app *kingpin.Application)
	// TryRun executes the selected command if it belongs to this family.
	TryRun(ctx context.Context, fc *config.FileConfig, selected string) (match bool, err error)
}

// Run parses the command line and dispatches to the matching command.
func Run(args []string) error {
	app := kingpin.New("opm", "OpenParcel management tool.")
	app.HelpFlag.Short('h')
	configPath := app.Flag("config", "Path to the YAML configuration file.").Short('c').String()

	commands := []CLICommand{
		&ProxyCommand{},
		&BundleCommand{},
	}
	for _, cmd := range commands {
		cmd.Initialize(app)
	}

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	fc := &config.FileConfig{}
	if *configPath != "" {
		fc, err = config.ReadConfigFile(*configPath)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if _, err := config.InitLogger(fc); err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, cmd := range commands {
		match, err := cmd.TryRun(ctx, fc, selected)
		if err != nil {
			return trace.Wrap(err)
		}
		if match {
			return nil
		}
	}
	return trace.BadParameter("unknown command %q", selected)
}
