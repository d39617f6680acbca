// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxFrameSize is the maximum allowed size for a single SSE frame (64KB).
const MaxFrameSize = 64 * 1024

// DefaultEventType is used when a frame carries no event: field.
const DefaultEventType = "message"

// =============================================================================
// ERRORS
// =============================================================================

// ErrFrameTooLarge is returned when a frame's accumulated payload exceeds
// MaxFrameSize. The stream is unusable after this error.
var ErrFrameTooLarge = fmt.Errorf("sse: frame exceeds %d bytes", MaxFrameSize)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventKind tags the decoded event variants.
type EventKind int

const (
	// KindContent carries an incremental fragment of assistant text.
	KindContent EventKind = iota
	// KindDone signals normal end of stream.
	KindDone
	// KindError signals a terminal stream error with a message.
	KindError
	// KindMetadata carries ancillary fields like finishReason.
	KindMetadata
	// KindIgnored marks frames with no usable payload.
	KindIgnored
)

// String returns the kind name for logging.
func (k EventKind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	case KindMetadata:
		return "metadata"
	default:
		return "ignored"
	}
}

// Event is one decoded stream event.
type Event struct {
	Kind EventKind

	// Content holds the delta text for KindContent.
	Content string

	// Message holds the error message for KindError.
	Message string

	// FinishReason holds the reason from a metadata frame, if any.
	FinishReason string
}

// =============================================================================
// FRAME READER
// =============================================================================

// Reader parses SSE frames from a stream. It buffers bytes internally, so
// frames split across multiple transport reads and multi-byte characters
// split at read boundaries are reassembled correctly.
type Reader struct {
	reader *bufio.Reader
}

// NewReader creates a frame reader from an io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		reader: bufio.NewReader(r),
	}
}

// ReadFrame reads the next frame from the stream.
// Returns the event type (DefaultEventType if the frame had no event:
// field), the newline-joined payload, and any error.
// Returns io.EOF when the stream ends.
func (r *Reader) ReadFrame() (string, []byte, error) {
	eventType := DefaultEventType
	var dataLines [][]byte
	size := 0

	// A frame may legally carry an event: field and no data: lines at all
	// (a bare terminal "done"), so emission is keyed on having seen any
	// field, not on payload presence.
	sawField := false

	for {
		// ReadBytes hands back a final unterminated line together with
		// io.EOF; parse it before flushing.
		line, err := r.reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}
		atEOF := err == io.EOF

		// Trim trailing newline and carriage return
		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of frame
		if len(line) == 0 {
			if sawField {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			if atEOF {
				return "", nil, io.EOF
			}
			continue
		}

		// Parse field
		if bytes.HasPrefix(line, []byte("event:")) {
			eventType = string(bytes.TrimSpace(line[6:]))
			sawField = true
		} else if bytes.HasPrefix(line, []byte("data:")) {
			sawField = true
			data := line[5:]
			if len(data) > 0 && data[0] == ' ' {
				data = data[1:]
			}
			size += len(data)
			if size > MaxFrameSize {
				return "", nil, ErrFrameTooLarge
			}
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (id:, retry:, comments starting with :)

		// Flush the trailing frame that was never blank-line terminated.
		if atEOF {
			if sawField {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

// ReadEvent reads and decodes the next frame in one step.
func (r *Reader) ReadEvent() (Event, error) {
	eventType, data, err := r.ReadFrame()
	if err != nil {
		return Event{Kind: KindIgnored}, err
	}
	return Decode(eventType, data), nil
}

// =============================================================================
// FRAME DECODING
// =============================================================================

// Decode maps one frame onto a typed event:
//   - "chunk": payload is a raw string or {"content": string}; decodes to
//     a content delta.
//   - "done": terminal, payload ignored.
//   - "error": payload is a raw string or {"message": string}; decodes to
//     a terminal error.
//   - "metadata": ancillary {"finishReason": string}, safe to skip.
//   - anything else: treated as a content delta when the payload is plain
//     text, otherwise ignored.
//
// Malformed payloads never fail the stream; they degrade to the raw text
// or to an ignored event.
func Decode(eventType string, data []byte) Event {
	switch eventType {
	case "chunk":
		return Event{Kind: KindContent, Content: decodeStringPayload(data, "content")}
	case "done":
		return Event{Kind: KindDone}
	case "error":
		msg := decodeStringPayload(data, "message")
		if msg == "" {
			msg = "stream error"
		}
		return Event{Kind: KindError, Message: msg}
	case "metadata":
		var meta struct {
			FinishReason string `json:"finishReason"`
		}
		_ = json.Unmarshal(data, &meta)
		return Event{Kind: KindMetadata, FinishReason: meta.FinishReason}
	default:
		// Unknown types carry content only when the payload is textual.
		if s, ok := plainString(data); ok {
			return Event{Kind: KindContent, Content: s}
		}
		return Event{Kind: KindIgnored}
	}
}

// decodeStringPayload extracts a string from a payload that is either a
// JSON object carrying the named field, a JSON string literal, or raw
// text.
func decodeStringPayload(data []byte, field string) string {
	if len(data) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		var s string
		if raw, ok := obj[field]; ok && json.Unmarshal(raw, &s) == nil {
			return s
		}
		// Object without the expected field carries nothing usable.
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

// plainString reports whether the payload is textual rather than a JSON
// object or array, returning the decoded text when it is.
func plainString(data []byte) (string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", false
	}
	switch trimmed[0] {
	case '{', '[':
		return "", false
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s, true
		}
	}
	return string(data), true
}
