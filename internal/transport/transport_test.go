// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jeranaias/chatpipe/internal/chaterr"
)

type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(srv.URL, staticTokens("test-token"))
	c.httpClient = srv.Client()
	return c, srv
}

// =============================================================================
// OPEN STREAM TESTS
// =============================================================================

func TestClient_OpenStream(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		var req StreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ConversationID != "conv-1" || len(req.Messages) != 1 {
			t.Errorf("request = %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: chunk\ndata: hello\n\n")
	})
	defer srv.Close()

	conn, err := c.OpenStream(context.Background(), StreamRequest{
		ConversationID: "conv-1",
		Messages:       []TurnMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer conn.Abort()

	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "event: chunk\ndata: hello\n\n" {
		t.Errorf("body = %q", body)
	}
}

func TestClient_OpenStream_ErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantCode   chaterr.Code
		wantDelay  time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, "", chaterr.CodeAuthTokenExpired, 0},
		{"rate limited with retry-after", http.StatusTooManyRequests, "7", chaterr.CodeRateLimitExceeded, 7 * time.Second},
		{"rate limited without retry-after", http.StatusTooManyRequests, "", chaterr.CodeRateLimitExceeded, 0},
		{"service unavailable", http.StatusServiceUnavailable, "", chaterr.CodeServiceUnavailable, 0},
		{"bad request", http.StatusBadRequest, "", chaterr.CodeValidationFailed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, "nope")
			})
			defer srv.Close()

			_, err := c.OpenStream(context.Background(), StreamRequest{ConversationID: "c"})
			if err == nil {
				t.Fatal("expected error")
			}
			var cerr *chaterr.ChatError
			if !errors.As(err, &cerr) {
				t.Fatalf("error type = %T", err)
			}
			if cerr.Code != tt.wantCode {
				t.Errorf("code = %v, want %v", cerr.Code, tt.wantCode)
			}
			if cerr.RetryAfter != tt.wantDelay {
				t.Errorf("retryAfter = %v, want %v", cerr.RetryAfter, tt.wantDelay)
			}
		})
	}
}

func TestClient_OpenStream_ConnectFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil)

	_, err := c.OpenStream(context.Background(), StreamRequest{ConversationID: "c"})
	var cerr *chaterr.ChatError
	if !errors.As(err, &cerr) || cerr.Code != chaterr.CodeServiceUnavailable {
		t.Fatalf("err = %v, want service-unavailable ChatError", err)
	}
}

// =============================================================================
// ABORT TESTS
// =============================================================================

func TestStreamConn_AbortUnblocksRead(t *testing.T) {
	release := make(chan struct{})
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release // hold the stream open without sending bytes
	})
	defer srv.Close()
	defer close(release)

	conn, err := c.OpenStream(context.Background(), StreamRequest{ConversationID: "c"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		_, err := conn.Read(buf)
		readDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Abort()

	select {
	case err := <-readDone:
		if err == nil {
			t.Error("read after abort should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not resolve after abort")
	}
}

func TestStreamConn_AbortIdempotent(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: done\n\n")
	})
	defer srv.Close()

	conn, err := c.OpenStream(context.Background(), StreamRequest{ConversationID: "c"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	conn.Abort()
	conn.Abort()
	conn.Abort()
	if !conn.Aborted() {
		t.Error("Aborted should report true")
	}
}

func TestStreamConn_AbortedPollSafeDuringAbort(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: done\n\n")
	})
	defer srv.Close()

	conn, err := c.OpenStream(context.Background(), StreamRequest{ConversationID: "c"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	// Polling Aborted while Abort runs must be race-free.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			conn.Aborted()
		}
	}()
	conn.Abort()
	<-done

	if !conn.Aborted() {
		t.Error("Aborted should report true after Abort")
	}
}

// =============================================================================
// RETRY-AFTER PARSING TESTS
// =============================================================================

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("seconds = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("garbage = %v", got)
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	if got < 25*time.Second || got > 30*time.Second {
		t.Errorf("http date = %v, want ~30s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("past date = %v, want 0", got)
	}
}
