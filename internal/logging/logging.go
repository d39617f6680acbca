// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging provides the shared structured logger for chatpipe.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Logger is the process-wide logger. Packages derive component loggers from
// it via For.
var Logger *log.Logger

func init() {
	Logger = log.New(os.Stderr)
	Logger.SetLevel(log.WarnLevel)
}

// Configure sets the log level and optional output file. The CLI calls this
// once at startup; tests leave the default (warn to stderr) alone.
func Configure(level string, logFile string) error {
	var output io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		output = f
	}

	Logger = log.New(output)
	Logger.SetLevel(ParseLevel(level))
	return nil
}

// For returns a logger tagged with the given component name.
func For(component string) *log.Logger {
	return Logger.With("component", component)
}

// ParseLevel converts a level string to a log level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}
