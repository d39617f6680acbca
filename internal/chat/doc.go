// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat wires the pipeline together and exposes the surface the
// presentation layer calls: send, stop, regenerate, conversation
// management, and the read-only sending/error observables.
//
// The flow for one send: validate and persist the turn through the
// sender, open a transport stream, run a session that feeds deltas into
// the store, and on failure hand the classified error to the retry
// controller. Rendering reads only from the store.
package chat
