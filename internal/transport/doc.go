// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport opens cancellable byte streams against the completion
// engine. One OpenStream call maps to one HTTP request with an SSE
// response body; the returned connection's Abort is idempotent and makes
// any pending read resolve instead of hanging.
package transport
