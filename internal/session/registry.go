// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"

	"github.com/jeranaias/chatpipe/internal/model"
)

// =============================================================================
// GLOBAL STREAM REGISTRY
// =============================================================================

// Registry is the process-wide table of live sessions, keyed by the
// composite conversation+message identifier. It lets a second send or a
// navigation event cancel a still-active session independent of any
// view's lifetime. Constructed explicitly and threaded through the
// pipeline entry points so tests can hold a fresh instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      logger
}

// NewRegistry creates an empty registry. log may be nil.
func NewRegistry(log logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

func streamKey(conversationID string, messageID model.MessageID) string {
	return conversationID + ":" + messageID.String()
}

// Register tracks a session under its composite key. Any prior session
// registered under the same key is aborted first, enforcing the
// at-most-one-active-session-per-message invariant. The session removes
// its own entry when it reaches a terminal state.
func (r *Registry) Register(s *Session) {
	key := streamKey(s.ConversationID(), s.MessageID())

	// The release hook must exist before the session is visible in the
	// table: a Cancel landing right after publication tears the session
	// down, and that teardown has to find the hook.
	s.mu.Lock()
	s.release = func() { r.remove(key, s) }
	s.mu.Unlock()

	r.mu.Lock()
	prior := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()

	if prior != nil && prior != s {
		if r.log != nil {
			r.log.Debug("replacing active session", "key", key)
		}
		prior.Abort()
	}

	// A session that reached a terminal state before publication already
	// ran its release against an empty table; drop the stale entry.
	if s.Status().Terminal() {
		r.remove(key, s)
	}
}

// remove drops the entry only if it still points at the given session;
// a replacement registered meanwhile is left alone.
func (r *Registry) remove(key string, s *Session) {
	r.mu.Lock()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}

// Get returns the live session for the composite key, if any.
func (r *Registry) Get(conversationID string, messageID model.MessageID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamKey(conversationID, messageID)]
	return s, ok
}

// Cancel aborts the session for the composite key. Reports whether a
// session was found.
func (r *Registry) Cancel(conversationID string, messageID model.MessageID) bool {
	s, ok := r.Get(conversationID, messageID)
	if !ok {
		return false
	}
	s.Abort()
	return true
}

// CancelConversation aborts every live session in a conversation.
// Returns the number of sessions aborted.
func (r *Registry) CancelConversation(conversationID string) int {
	r.mu.Lock()
	var targets []*Session
	for _, s := range r.sessions {
		if s.ConversationID() == conversationID {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Abort()
	}
	return len(targets)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupAll aborts every live session. Best-effort sweep for process
// shutdown, where per-view cleanup is not guaranteed to run.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Abort()
	}
}
