// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/chatpipe/internal/chaterr"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// maxErrorBodySize bounds how much of an error response body is read
	// for the error message.
	maxErrorBodySize = 64 * 1024

	// openTimeout bounds the dial and header phase of a stream open. The
	// body itself has no timeout; slow streams stay open until the caller
	// aborts or the server ends them.
	openTimeout = 30 * time.Second
)

// =============================================================================
// SHARED CLIENT
// =============================================================================

// sharedStreamingClient is used for all stream requests (no overall
// timeout, cancellation is context-controlled). Connection pooling
// reduces TCP handshake overhead across consecutive sends.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: openTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// TurnMessage is one entry of the message history sent to the engine.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamRequest describes one completion stream.
type StreamRequest struct {
	ConversationID string        `json:"conversationId"`
	Messages       []TurnMessage `json:"messages"`
}

// TokenSource supplies the bearer credential for each open. Implemented
// by the auth layer; a nil source sends unauthenticated requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// =============================================================================
// STREAM CONNECTION
// =============================================================================

// StreamConn is one open byte stream. Read it until exhaustion or call
// Abort; Abort is safe to call any number of times and from concurrent
// goroutines, and makes a blocked read resolve promptly.
type StreamConn struct {
	body   io.ReadCloser
	cancel context.CancelFunc

	abortOnce sync.Once
	aborted   atomic.Bool
}

// Read implements io.Reader over the response body.
func (c *StreamConn) Read(p []byte) (int, error) {
	return c.body.Read(p)
}

// Abort cancels the request context and closes the body. Subsequent
// calls are no-ops.
func (c *StreamConn) Abort() {
	c.abortOnce.Do(func() {
		c.aborted.Store(true)
		c.cancel()
		c.body.Close()
	})
}

// Aborted reports whether Abort has run.
func (c *StreamConn) Aborted() bool {
	return c.aborted.Load()
}

// Close makes StreamConn an io.ReadCloser for callers that only want the
// reader shape.
func (c *StreamConn) Close() error {
	c.Abort()
	return nil
}

// =============================================================================
// CLIENT
// =============================================================================

// Client opens completion streams against one engine endpoint.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a transport client for the given engine base URL.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: sharedStreamingClient,
	}
}

// OpenStream sends the completion request and returns the open SSE body.
// Network and auth failures at open time surface as a *chaterr.ChatError
// before any bytes are delivered. The caller owns the returned
// connection and must Abort it when done.
func (c *Client) OpenStream(ctx context.Context, req StreamRequest) (*StreamConn, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.CodeValidationFailed, "encode stream request", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-stream", bytes.NewReader(bodyBytes))
	if err != nil {
		cancel()
		return nil, chaterr.Wrap(chaterr.CodeOperationFailed, "build stream request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			cancel()
			return nil, chaterr.Wrap(chaterr.CodeAuthTokenInvalid, "resolve auth token", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, chaterr.Wrap(chaterr.CodeServiceUnavailable, "open stream", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		cancel()
		return nil, c.errorFromResponse(resp, body)
	}

	return &StreamConn{body: resp.Body, cancel: cancel}, nil
}

// errorFromResponse maps a non-200 open response onto the error taxonomy,
// including any server-provided Retry-After hint.
func (c *Client) errorFromResponse(resp *http.Response, body []byte) error {
	return chaterr.FromStatus(resp.StatusCode, string(body), parseRetryAfter(resp.Header.Get("Retry-After")))
}

// parseRetryAfter reads a Retry-After header as either delay-seconds or
// an HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// String describes the client target for logging.
func (c *Client) String() string {
	return fmt.Sprintf("transport(%s)", c.baseURL)
}
