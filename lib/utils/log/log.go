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

// Package log configures the process-wide slog handler.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Config controls the output of the process logger.
type Config struct {
	// Severity is the minimum level that gets emitted: debug, info, warn
	// or error.
	Severity string
	// Format selects the handler: "text" or "json".
	Format string
	// Output overrides the destination, stderr when nil.
	Output io.Writer
}

// Initialize builds a handler from the config and installs it as the slog
// default. It returns the configured root logger.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := parseSeverity(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, trace.BadParameter("unknown log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func parseSeverity(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, trace.BadParameter("unknown log severity %q", s)
}
