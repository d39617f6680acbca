// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/chatpipe/internal/chaterr"
	"github.com/jeranaias/chatpipe/internal/model"
	"github.com/jeranaias/chatpipe/internal/resource"
	"github.com/jeranaias/chatpipe/internal/sse"
	"github.com/jeranaias/chatpipe/internal/store"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// errorFallbackContent is shown in place of an empty assistant message
// when the stream fails before delivering any text. A half-finished
// answer is kept as-is instead.
const errorFallbackContent = "Something went wrong while generating this response. Please try again."

// =============================================================================
// STATUS
// =============================================================================

// Status is the session lifecycle state. Transitions run
// Idle -> Active -> one of the terminal states, never backwards.
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusCompleted
	StatusErrored
	StatusAborted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusAborted
}

// =============================================================================
// SESSION
// =============================================================================

// Stream is the transport surface a session consumes: a readable byte
// stream with an idempotent abort.
type Stream interface {
	io.Reader
	Abort()
}

// Persister is the durable-store slice a session needs to record the
// final message state.
type Persister interface {
	UpdateMessage(ctx context.Context, id model.MessageID, patch model.MessagePatch) error
}

// logger is the minimal logging surface a session needs.
type logger interface {
	Debug(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
}

// Config wires a session to its collaborators.
type Config struct {
	ConversationID string
	MessageID      model.MessageID

	Store     *store.Store
	Durable   Persister
	Resources *resource.Manager
	Log       logger

	// OnTerminal runs exactly once when the session reaches a terminal
	// state. The error is nil except for StatusErrored. May be nil.
	OnTerminal func(Status, *chaterr.ChatError)
}

// Session is one streaming turn targeting one assistant message.
type Session struct {
	cfg Config

	mu          sync.Mutex
	active      bool
	status      Status
	accumulated strings.Builder
	startedAt   time.Time
	streamRes   *resource.Resource

	// release is set by the registry so a terminal session removes its
	// own entry.
	release func()
}

// New creates an idle session. Call Run to start it.
func New(cfg Config) *Session {
	return &Session{cfg: cfg, status: StatusIdle}
}

// ConversationID returns the conversation the session belongs to.
func (s *Session) ConversationID() string { return s.cfg.ConversationID }

// MessageID returns the assistant message the session targets.
func (s *Session) MessageID() model.MessageID { return s.cfg.MessageID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StartedAt returns when the session went active, zero while idle.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Content returns the accumulated assistant text so far.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated.String()
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Run consumes the stream until a terminal frame, stream end, or abort.
// It blocks; callers run it in a goroutine when they need to keep going.
// The accumulator is reset on entry, so restarting a message id always
// begins from empty.
func (s *Session) Run(ctx context.Context, stream Stream) {
	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		if s.cfg.Log != nil {
			s.cfg.Log.Warn("session start skipped", "message", s.cfg.MessageID.String(), "status", status.String())
		}
		return
	}
	s.active = true
	s.status = StatusActive
	s.startedAt = time.Now()
	s.accumulated.Reset()
	s.streamRes = s.cfg.Resources.RegisterStream(stream.Abort)
	s.mu.Unlock()

	reader := sse.NewReader(stream)
	for {
		select {
		case <-ctx.Done():
			s.Abort()
			return
		default:
		}

		event, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				// Stream ended without an explicit done frame; treat a
				// clean close as completion.
				s.finishDone(ctx)
				return
			}
			if s.Status() == StatusAborted {
				// Reads fail once the transport is aborted; not an error.
				return
			}
			s.finishError(ctx, chaterr.Wrap(chaterr.CodeServiceUnavailable, "stream read failed", err))
			return
		}

		switch event.Kind {
		case sse.KindContent:
			s.applyDelta(event.Content)
		case sse.KindDone:
			s.finishDone(ctx)
			return
		case sse.KindError:
			// Classify from the message text; the frame carries no code.
			s.finishError(ctx, chaterr.FromError(errors.New(event.Message)))
			return
		case sse.KindMetadata, sse.KindIgnored:
			// Ancillary frames carry nothing the accumulator needs.
		}
	}
}

// applyDelta appends one content fragment and mirrors the full
// accumulator into the store. The store always holds the complete
// current text, never a fragment.
func (s *Session) applyDelta(delta string) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.accumulated.WriteString(delta)
	full := s.accumulated.String()
	s.mu.Unlock()

	s.cfg.Store.UpdateMessage(s.cfg.MessageID, model.ContentPatch(full))
}

// =============================================================================
// TERMINAL TRANSITIONS
// =============================================================================

// deactivate performs the first-signal-wins check-and-set. It returns
// false when another terminal signal already won. An idle session can be
// terminated too, so cancelling before the stream starts is safe.
func (s *Session) deactivate(next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.active = false
	s.status = next
	return true
}

// finishDone commits the final accumulator value to the store and the
// durable backend, then releases resources.
func (s *Session) finishDone(ctx context.Context) {
	if !s.deactivate(StatusCompleted) {
		return
	}

	final := s.Content()
	s.cfg.Store.UpdateMessage(s.cfg.MessageID, model.ContentPatch(final))
	if s.cfg.Durable != nil {
		if err := s.cfg.Durable.UpdateMessage(ctx, s.cfg.MessageID, model.ContentPatch(final)); err != nil && s.cfg.Log != nil {
			s.cfg.Log.Warn("persist final content failed", "message", s.cfg.MessageID.String(), "error", err)
		}
	}

	s.teardown()
	if s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(StatusCompleted, nil)
	}
}

// finishError preserves the partial answer (or a fallback when nothing
// arrived), records the error on the message, and raises it upward.
func (s *Session) finishError(ctx context.Context, cerr *chaterr.ChatError) {
	if !s.deactivate(StatusErrored) {
		return
	}

	content := s.Content()
	if content == "" {
		content = errorFallbackContent
	}
	errText := cerr.Message
	patch := model.MessagePatch{Content: &content, Error: &errText}
	s.cfg.Store.UpdateMessage(s.cfg.MessageID, patch)
	if s.cfg.Durable != nil {
		if err := s.cfg.Durable.UpdateMessage(ctx, s.cfg.MessageID, patch); err != nil && s.cfg.Log != nil {
			s.cfg.Log.Warn("persist error state failed", "message", s.cfg.MessageID.String(), "error", err)
		}
	}

	s.teardown()
	if s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(StatusErrored, cerr)
	}
}

// Abort terminates the session without a user-visible error, leaving the
// message's last-known content untouched. Safe to call at any time, from
// any goroutine, any number of times.
func (s *Session) Abort() {
	if !s.deactivate(StatusAborted) {
		return
	}

	s.teardown()
	if s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(StatusAborted, nil)
	}
}

// teardown disposes the transport resource and removes the registry
// entry. Runs once per session, after the terminal state is set.
func (s *Session) teardown() {
	s.mu.Lock()
	streamRes := s.streamRes
	s.streamRes = nil
	release := s.release
	s.release = nil
	s.mu.Unlock()

	if streamRes != nil {
		s.cfg.Resources.DisposeResource(streamRes)
	}
	if release != nil {
		release()
	}
	if s.cfg.Log != nil {
		s.cfg.Log.Debug("session finished", "message", s.cfg.MessageID.String(), "status", s.Status().String())
	}
}
