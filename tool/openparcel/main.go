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

// Command openparcel runs the parcel tracking daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/openparcel/openparcel"
	"github.com/openparcel/openparcel/lib/config"
	"github.com/openparcel/openparcel/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("openparcel", "Self-hosted parcel tracking aggregation service.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the OpenParcel daemon.")
	configPath := start.Flag("config", "Path to the YAML configuration file.").Short('c').String()

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath))
	case ver.FullCommand():
		fmt.Println(openparcel.Version)
		return nil
	}
	return trace.BadParameter("unknown command %q", command)
}

func onStart(configPath string) error {
	fc := &config.FileConfig{}
	if configPath != "" {
		var err error
		fc, err = config.ReadConfigFile(configPath)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	logger, err := config.InitLogger(fc)
	if err != nil {
		return trace.Wrap(err)
	}

	var cfg service.Config
	if err := config.Apply(fc, &cfg); err != nil {
		return trace.Wrap(err)
	}
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(svc.Run(ctx))
}
