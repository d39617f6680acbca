// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"io"
	"strings"
	"testing"
)

// =============================================================================
// FRAME READER TESTS
// =============================================================================

func TestReader_ReadFrame(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantType  string
		wantData  string
		wantError error
	}{
		{
			name:     "simple data frame",
			input:    "data: hello\n\n",
			wantType: DefaultEventType,
			wantData: "hello",
		},
		{
			name:     "typed frame",
			input:    "event: chunk\ndata: hi\n\n",
			wantType: "chunk",
			wantData: "hi",
		},
		{
			name:     "multi-line data joined with newline",
			input:    "data: line one\ndata: line two\n\n",
			wantType: DefaultEventType,
			wantData: "line one\nline two",
		},
		{
			name:     "CRLF line endings",
			input:    "event: done\r\ndata: x\r\n\r\n",
			wantType: "done",
			wantData: "x",
		},
		{
			name:     "unterminated frame flushed at EOF",
			input:    "data: trailing",
			wantType: DefaultEventType,
			wantData: "trailing",
		},
		{
			name:     "event-only frame without data",
			input:    "event: done\n\n",
			wantType: "done",
			wantData: "",
		},
		{
			name:     "event-only frame flushed at EOF",
			input:    "event: done",
			wantType: "done",
			wantData: "",
		},
		{
			name:     "comments and id fields ignored",
			input:    ": keepalive\nid: 7\ndata: ok\n\n",
			wantType: DefaultEventType,
			wantData: "ok",
		},
		{
			name:      "empty stream",
			input:     "",
			wantError: io.EOF,
		},
		{
			name:      "only blank lines",
			input:     "\n\n\n",
			wantError: io.EOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tt.input))
			eventType, data, err := r.ReadFrame()
			if tt.wantError != nil {
				if err != tt.wantError {
					t.Fatalf("error = %v, want %v", err, tt.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if eventType != tt.wantType {
				t.Errorf("eventType = %q, want %q", eventType, tt.wantType)
			}
			if string(data) != tt.wantData {
				t.Errorf("data = %q, want %q", data, tt.wantData)
			}
		})
	}
}

func TestReader_MultipleFrames(t *testing.T) {
	input := "event: chunk\ndata: Hi\n\nevent: chunk\ndata:  there\n\nevent: done\ndata: \n\n"
	r := NewReader(strings.NewReader(input))

	ev1, err := r.ReadEvent()
	if err != nil || ev1.Kind != KindContent || ev1.Content != "Hi" {
		t.Fatalf("frame 1 = %+v, err %v", ev1, err)
	}
	ev2, err := r.ReadEvent()
	if err != nil || ev2.Kind != KindContent || ev2.Content != " there" {
		t.Fatalf("frame 2 = %+v, err %v", ev2, err)
	}
	ev3, err := r.ReadEvent()
	if err != nil || ev3.Kind != KindDone {
		t.Fatalf("frame 3 = %+v, err %v", ev3, err)
	}
	if _, err := r.ReadEvent(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReader_BareDoneFrameNotSwallowed(t *testing.T) {
	// A payload-less done must be emitted in order, not folded into the
	// frame that follows it.
	input := "event: done\n\nevent: chunk\ndata: hi\n\n"
	r := NewReader(strings.NewReader(input))

	ev1, err := r.ReadEvent()
	if err != nil || ev1.Kind != KindDone {
		t.Fatalf("frame 1 = %+v, err %v, want done", ev1, err)
	}
	ev2, err := r.ReadEvent()
	if err != nil || ev2.Kind != KindContent || ev2.Content != "hi" {
		t.Fatalf("frame 2 = %+v, err %v, want content %q", ev2, err, "hi")
	}
}

// slowReader delivers one byte per Read call, forcing every frame to span
// many transport reads.
type slowReader struct {
	data []byte
	pos  int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	p[0] = s.data[s.pos]
	s.pos++
	return 1, nil
}

func TestReader_FrameSplitAcrossReads(t *testing.T) {
	input := "event: chunk\ndata: {\"content\": \"héllo wörld\"}\n\n"
	r := NewReader(&slowReader{data: []byte(input)})

	ev, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != KindContent || ev.Content != "héllo wörld" {
		t.Errorf("event = %+v, want content delta with multi-byte text intact", ev)
	}
}

func TestReader_FrameTooLarge(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("data: ")
	sb.WriteString(strings.Repeat("x", MaxFrameSize+1))
	sb.WriteString("\n\n")

	r := NewReader(strings.NewReader(sb.String()))
	_, _, err := r.ReadFrame()
	if err != ErrFrameTooLarge {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
}

// =============================================================================
// DECODER TESTS
// =============================================================================

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		data      string
		want      Event
	}{
		{
			name:      "chunk with object payload",
			eventType: "chunk",
			data:      `{"content": "Hello"}`,
			want:      Event{Kind: KindContent, Content: "Hello"},
		},
		{
			name:      "chunk with raw string payload",
			eventType: "chunk",
			data:      "Hello",
			want:      Event{Kind: KindContent, Content: "Hello"},
		},
		{
			name:      "chunk with JSON string literal",
			eventType: "chunk",
			data:      `"Hello"`,
			want:      Event{Kind: KindContent, Content: "Hello"},
		},
		{
			name:      "done",
			eventType: "done",
			data:      "",
			want:      Event{Kind: KindDone},
		},
		{
			name:      "error with object payload",
			eventType: "error",
			data:      `{"message": "rate limited"}`,
			want:      Event{Kind: KindError, Message: "rate limited"},
		},
		{
			name:      "error with raw string payload",
			eventType: "error",
			data:      "something broke",
			want:      Event{Kind: KindError, Message: "something broke"},
		},
		{
			name:      "error with empty payload gets fallback message",
			eventType: "error",
			data:      "",
			want:      Event{Kind: KindError, Message: "stream error"},
		},
		{
			name:      "metadata with finish reason",
			eventType: "metadata",
			data:      `{"finishReason": "stop"}`,
			want:      Event{Kind: KindMetadata, FinishReason: "stop"},
		},
		{
			name:      "metadata with malformed payload",
			eventType: "metadata",
			data:      "not json",
			want:      Event{Kind: KindMetadata},
		},
		{
			name:      "unknown type with string payload becomes content",
			eventType: "typing",
			data:      "still thinking",
			want:      Event{Kind: KindContent, Content: "still thinking"},
		},
		{
			name:      "unknown type with object payload is ignored",
			eventType: "typing",
			data:      `{"state": "busy"}`,
			want:      Event{Kind: KindIgnored},
		},
		{
			name:      "unknown type with empty payload is ignored",
			eventType: "ping",
			data:      "",
			want:      Event{Kind: KindIgnored},
		},
		{
			name:      "chunk with object missing content field",
			eventType: "chunk",
			data:      `{"other": 1}`,
			want:      Event{Kind: KindContent, Content: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.eventType, []byte(tt.data))
			if got != tt.want {
				t.Errorf("Decode(%q, %q) = %+v, want %+v", tt.eventType, tt.data, got, tt.want)
			}
		})
	}
}

func TestEventKind_String(t *testing.T) {
	if KindContent.String() != "content" || KindDone.String() != "done" {
		t.Error("kind names changed")
	}
}
