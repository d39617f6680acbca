// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse parses Server-Sent Events from a byte stream and decodes
// each frame into a typed stream event.
//
// Frames are blank-line delimited. Within a frame, "event:" lines set the
// event type (default "message") and "data:" lines are newline-joined to
// form the payload. Payloads are JSON-decoded opportunistically, falling
// back to the raw string, so both `data: hello` and `data: {"content":
// "hello"}` produce the same content delta.
package sse
