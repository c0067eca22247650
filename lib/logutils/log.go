/*
Copyright 2021-2025 Universität Tübingen, DKFZ, EMBL, and Universität zu Köln
for the German Human Genome-Phenome Archive (GHGA)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logutils configures the process-wide structured logger.
package logutils

import (
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// FormatText renders human readable log lines.
	FormatText = "text"
	// FormatJSON renders one JSON object per log line.
	FormatJSON = "json"
)

// Config controls how the default logger is initialized.
type Config struct {
	// Level is the minimum level that is emitted ("debug", "info",
	// "warn" or "error"). Defaults to "info".
	Level string `yaml:"level"`
	// Format selects the output format, FormatText or FormatJSON.
	// Defaults to FormatText.
	Format string `yaml:"format"`
}

// Initialize installs the default slog logger according to the given
// configuration and returns it.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, trace.BadParameter("unsupported log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log level %q", level)
}
