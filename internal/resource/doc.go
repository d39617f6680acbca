// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package resource tracks disposable handles created during a send/stream
// cycle: open streams, timers, tickers, and event listeners.
//
// Every handle registered with a Manager is released exactly once, no
// matter how many times Dispose is called or from how many goroutines.
// A periodic sweep removes entries whose underlying handle closed itself,
// bounding growth between explicit disposals.
package resource
