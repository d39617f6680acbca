// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sender prepares a streaming turn: it validates the input,
// ensures a conversation exists, persists the user message, and persists
// an empty assistant placeholder for the stream session to fill.
package sender
