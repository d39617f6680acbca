// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chaterr defines the error taxonomy for the conversation pipeline.
//
// Every terminal condition flowing out of the transport, the stream session,
// or the durable store is represented as a *ChatError with a stable Code.
// Codes classify into three handling classes: fatal (re-authenticate or give
// up), rate-limited (retry after a countdown), and recoverable (retry
// immediately on user request).
package chaterr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERROR CODES
// =============================================================================

// Code identifies a category of chat error.
type Code string

const (
	CodeAuthTokenExpired     Code = "AUTH_TOKEN_EXPIRED"
	CodeAuthTokenInvalid     Code = "AUTH_TOKEN_INVALID"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable   Code = "SERVICE_UNAVAILABLE"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeResourceNotFound     Code = "RESOURCE_NOT_FOUND"
	CodeConversationNotFound Code = "CONVERSATION_NOT_FOUND"
	CodeConversationCreate   Code = "CONVERSATION_CREATE_FAILED"
	CodeMessageSendFailed    Code = "MESSAGE_SEND_FAILED"
	CodeOperationFailed      Code = "OPERATION_FAILED"
	CodeUnknown              Code = "UNKNOWN_ERROR"
)

// Class is the retry-handling class of an error.
type Class int

const (
	// ClassFatal errors cannot be retried; auth variants route to sign-in.
	ClassFatal Class = iota
	// ClassRateLimited errors are retried after a countdown.
	ClassRateLimited
	// ClassRecoverable errors expose an immediately enabled retry action.
	ClassRecoverable
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRateLimited:
		return "rate_limited"
	case ClassRecoverable:
		return "recoverable"
	}
	return "unknown"
}

// authCodes are the codes that indicate a broken credential.
var authCodes = map[Code]bool{
	CodeAuthTokenExpired: true,
	CodeAuthTokenInvalid: true,
}

// recoverableCodes are the codes whose default handling allows retry.
var recoverableCodes = map[Code]bool{
	CodeServiceUnavailable: true,
	CodeRateLimitExceeded:  true,
	CodeOperationFailed:    true,
	CodeMessageSendFailed:  true,
}

// defaultRetryDelays maps codes to the delay used when the server did not
// provide a retry-after value.
var defaultRetryDelays = map[Code]time.Duration{
	CodeServiceUnavailable: 2 * time.Second,
	CodeRateLimitExceeded:  5 * time.Second,
	CodeOperationFailed:    time.Second,
	CodeMessageSendFailed:  time.Second,
}

// =============================================================================
// CHAT ERROR
// =============================================================================

// ChatError is the uniform error type surfaced by the pipeline.
type ChatError struct {
	Code    Code
	Message string

	// RetryAfter is the server-provided wait before retrying, zero when
	// unknown. Only meaningful for rate-limited errors.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// New creates a ChatError with the given code and message.
func New(code Code, message string) *ChatError {
	return &ChatError{Code: code, Message: message}
}

// Wrap creates a ChatError wrapping an underlying cause.
func Wrap(code Code, message string, err error) *ChatError {
	return &ChatError{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ChatError) Unwrap() error {
	return e.Err
}

// Is matches by code so errors.Is(err, chaterr.New(code, "")) works.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Classify returns the handling class for the error.
func (e *ChatError) Classify() Class {
	switch {
	case e.Code == CodeRateLimitExceeded:
		return ClassRateLimited
	case recoverableCodes[e.Code]:
		return ClassRecoverable
	default:
		return ClassFatal
	}
}

// IsAuth reports whether the error indicates a broken credential.
func (e *ChatError) IsAuth() bool {
	return authCodes[e.Code]
}

// Retryable reports whether the error's default handling allows a retry.
func (e *ChatError) Retryable() bool {
	return recoverableCodes[e.Code]
}

// RetryDelay returns the server-provided retry-after when present, the
// per-code default otherwise.
func (e *ChatError) RetryDelay() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if d, ok := defaultRetryDelays[e.Code]; ok {
		return d
	}
	return time.Second
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// FromError converts an arbitrary error into a *ChatError. Existing chat
// errors pass through unchanged; everything else is classified by
// inspection of the error chain and message text.
func FromError(err error) *ChatError {
	if err == nil {
		return nil
	}

	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}

	code := inferCode(err)
	return &ChatError{Code: code, Message: err.Error(), Err: err}
}

// FromStatus maps an HTTP status code and response body to a ChatError.
// retryAfter is zero unless the response carried a Retry-After header.
func FromStatus(status int, body string, retryAfter time.Duration) *ChatError {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusBadRequest:
		return &ChatError{Code: CodeValidationFailed, Message: msg}
	case status == http.StatusUnauthorized:
		return &ChatError{Code: CodeAuthTokenExpired, Message: msg}
	case status == http.StatusForbidden:
		return &ChatError{Code: CodePermissionDenied, Message: msg}
	case status == http.StatusNotFound:
		return &ChatError{Code: CodeResourceNotFound, Message: msg}
	case status == http.StatusTooManyRequests:
		return &ChatError{Code: CodeRateLimitExceeded, Message: msg, RetryAfter: retryAfter}
	case status >= 500:
		return &ChatError{Code: CodeServiceUnavailable, Message: msg}
	default:
		return &ChatError{Code: CodeOperationFailed, Message: msg}
	}
}

// inferCode guesses a code from the error chain and message text. Mirrors
// how the transport's failure modes surface (network errors, timeouts,
// status text leaking into wrapped errors).
func inferCode(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeServiceUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return CodeRateLimitExceeded
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "401"):
		return CodeAuthTokenExpired
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "403"):
		return CodePermissionDenied
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "dial"):
		return CodeServiceUnavailable
	case strings.Contains(msg, "conversation"):
		return CodeConversationNotFound
	case strings.Contains(msg, "message"):
		return CodeMessageSendFailed
	default:
		return CodeOperationFailed
	}
}
