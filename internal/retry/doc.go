// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry decides what recovery action is available after a stream
// session fails: an enabled retry, a retry disabled behind a live
// rate-limit countdown, or a sign-in prompt for broken credentials.
package retry
