// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the authoritative in-memory chat state: the
// conversation table and the active conversation's ordered message list.
//
// All rendering reads come from here and all mutation goes through the
// defined operations; no other code reaches into the tables. Operations
// are pure data manipulation with no I/O. The store publishes coarse
// change events ("conversations", "messages") through a subscription feed
// so views and resource-managed listeners can react to mutations.
package store
