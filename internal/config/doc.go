// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and manages chatpipe configuration.
//
// Configuration comes from a TOML file with environment variable
// overrides applied on top, and falls back to built-in defaults when
// no file exists. The file can be watched for changes to pick up
// edits without restarting.
//
// Precedence (highest wins):
//   - CHATPIPE_* environment variables
//   - ~/.chatpipe/config.toml (or an explicit path)
//   - Built-in defaults
package config
