// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persist is the durable-store collaborator: conversation and
// message tables keyed by UUID, timestamps in ISO-8601.
//
// The in-memory store is a cache of this layer, never the source of truth
// for cross-session history. Optimistic rows arrive with temporary ids;
// InsertMessage resolves them to durable UUIDs at this boundary.
package persist
