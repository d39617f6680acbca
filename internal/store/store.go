// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"sort"
	"sync"

	"github.com/jeranaias/chatpipe/internal/model"
)

// =============================================================================
// CHANGE EVENTS
// =============================================================================

// Change event names published through Subscribe.
const (
	EventConversations = "conversations"
	EventMessages      = "messages"
)

// logger is the minimal logging surface the store needs.
type logger interface {
	Warn(msg any, keyvals ...any)
}

// =============================================================================
// STORE
// =============================================================================

// Store is the single source of render truth. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	conversations []model.Conversation
	currentID     string
	messages      []model.Message

	log logger

	subMu   sync.Mutex
	nextSub int
	subs    map[int]subscription
}

type subscription struct {
	event string
	fn    func()
}

// New creates an empty store. log may be nil.
func New(log logger) *Store {
	return &Store{
		log:  log,
		subs: make(map[int]subscription),
	}
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers fn to run after every mutation that publishes the
// named event. The returned function removes the subscription and is
// idempotent. Satisfies the resource manager's Notifier interface.
func (s *Store) Subscribe(event string, fn func()) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscription{event: event, fn: fn}
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// notify runs subscribers for the event. Called with the state mutex
// released so callbacks may read back from the store.
func (s *Store) notify(event string) {
	s.subMu.Lock()
	var fns []func()
	for _, sub := range s.subs {
		if sub.event == event {
			fns = append(fns, sub.fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// AddConversation prepends a conversation (newest first, matching the
// sidebar order).
func (s *Store) AddConversation(c model.Conversation) {
	s.mu.Lock()
	s.conversations = append([]model.Conversation{c}, s.conversations...)
	s.mu.Unlock()
	s.notify(EventConversations)
}

// UpdateConversation applies a partial update in place. Unknown ids are
// ignored with a warning.
func (s *Store) UpdateConversation(id string, patch model.ConversationPatch) {
	s.mu.Lock()
	found := false
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			patch.Apply(&s.conversations[i])
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		if s.log != nil {
			s.log.Warn("update for unknown conversation", "id", id)
		}
		return
	}
	s.notify(EventConversations)
}

// RemoveConversation drops a conversation. If it was current, the current
// selection and message list are cleared too.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	out := s.conversations[:0]
	for _, c := range s.conversations {
		if c.ID != id {
			out = append(out, c)
		}
	}
	s.conversations = out

	clearedMessages := false
	if s.currentID == id {
		s.currentID = ""
		s.messages = nil
		clearedMessages = true
	}
	s.mu.Unlock()

	s.notify(EventConversations)
	if clearedMessages {
		s.notify(EventMessages)
	}
}

// SetConversations replaces the conversation table wholesale, as after a
// reconciling fetch.
func (s *Store) SetConversations(list []model.Conversation) {
	s.mu.Lock()
	s.conversations = append([]model.Conversation(nil), list...)
	s.mu.Unlock()
	s.notify(EventConversations)
}

// SetCurrentConversation selects a conversation, clearing the message
// list so a loader can repopulate it. Selecting the already-current id is
// a no-op to avoid redundant reloads; pass "" to deselect.
func (s *Store) SetCurrentConversation(id string) {
	s.mu.Lock()
	if s.currentID == id {
		s.mu.Unlock()
		return
	}
	s.currentID = id
	s.messages = nil
	s.mu.Unlock()
	s.notify(EventMessages)
}

// CurrentConversation returns the selected conversation id, "" when none.
func (s *Store) CurrentConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Conversations returns a copy of the conversation table.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Conversation(nil), s.conversations...)
}

// ConversationByID looks up one conversation.
func (s *Store) ConversationByID(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AddMessage appends a message to the active list.
func (s *Store) AddMessage(m model.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m.Clone())
	s.mu.Unlock()
	s.notify(EventMessages)
}

// UpdateMessage applies a partial update to the identified message. A
// missing id is a warning no-op; this guards against races between
// session teardown and late-arriving frames.
func (s *Store) UpdateMessage(id model.MessageID, patch model.MessagePatch) {
	s.mu.Lock()
	found := false
	for i := range s.messages {
		if s.messages[i].ID == id {
			patch.Apply(&s.messages[i])
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		if s.log != nil {
			s.log.Warn("update for unknown message", "id", id.String())
		}
		return
	}
	s.notify(EventMessages)
}

// ReplaceMessageID swaps a temporary id for the durable one assigned by
// the persistence layer, keeping all other fields.
func (s *Store) ReplaceMessageID(old, new model.MessageID) {
	s.mu.Lock()
	replaced := false
	for i := range s.messages {
		if s.messages[i].ID == old {
			s.messages[i].ID = new
			replaced = true
			break
		}
	}
	s.mu.Unlock()
	if replaced {
		s.notify(EventMessages)
	}
}

// RemoveMessage drops a message from the active list.
func (s *Store) RemoveMessage(id model.MessageID) {
	s.mu.Lock()
	out := s.messages[:0]
	for _, m := range s.messages {
		if m.ID != id {
			out = append(out, m)
		}
	}
	s.messages = out
	s.mu.Unlock()
	s.notify(EventMessages)
}

// RemoveMessagesFrom drops the identified message and everything after it
// in list order. Used by regeneration to discard a failed turn.
func (s *Store) RemoveMessagesFrom(id model.MessageID) {
	s.mu.Lock()
	idx := -1
	for i, m := range s.messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.messages = s.messages[:idx]
	}
	s.mu.Unlock()
	if idx >= 0 {
		s.notify(EventMessages)
	}
}

// SetMessages replaces the active message list wholesale.
func (s *Store) SetMessages(list []model.Message) {
	cloned := make([]model.Message, len(list))
	for i, m := range list {
		cloned[i] = m.Clone()
	}
	s.mu.Lock()
	s.messages = cloned
	s.mu.Unlock()
	s.notify(EventMessages)
}

// Messages returns a copy of the active message list.
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// MessageByID looks up one message in the active list.
func (s *Store) MessageByID(id model.MessageID) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return model.Message{}, false
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile merges a durable fetch into the locally-held message list.
// For messages present on both sides (matched by id) the local content
// wins, since it may be mid-stream and more current, while the remote
// createdAt, metadata, tokenCount, and error fields win. Remote messages
// absent locally are appended; local-only messages are kept. The result
// is sorted by createdAt ascending.
func (s *Store) Reconcile(remote []model.Message) {
	s.mu.Lock()

	merged := make([]model.Message, 0, len(s.messages)+len(remote))
	seen := make(map[model.MessageID]bool, len(s.messages))

	for _, local := range s.messages {
		seen[local.ID] = true
		if r, ok := findByID(remote, local.ID); ok {
			m := r.Clone()
			m.Content = local.Content
			merged = append(merged, m)
		} else {
			merged = append(merged, local)
		}
	}
	for _, r := range remote {
		if !seen[r.ID] {
			merged = append(merged, r.Clone())
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	s.messages = merged
	s.mu.Unlock()
	s.notify(EventMessages)
}

func findByID(list []model.Message, id model.MessageID) (model.Message, bool) {
	for _, m := range list {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}
