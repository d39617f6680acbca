// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs one streaming turn: it binds an open transport
// stream and the frame decoder to one assistant message, accumulates
// content deltas into the store, and terminates exactly once on done,
// error, or abort.
//
// The package also holds the process-wide Registry that lets a second
// send or a navigation event find and cancel a still-active session
// independent of any view's lifetime.
package session
