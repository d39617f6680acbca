// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// Content is append-only while a stream session targets the message and
// immutable once the session reaches a terminal state; regeneration deletes
// the row and sends a fresh turn instead of editing in place.
type Message struct {
	// Identity
	ID             MessageID `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`

	// Content
	Content string `json:"content"`

	// UserID is set for user-authored messages.
	UserID string `json:"user_id,omitempty"`

	// Optional fields populated by the durable store or the completion
	// engine. Nil means absent, not zero.
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenCount *int           `json:"token_count,omitempty"`
	Error      *string        `json:"error,omitempty"`
}

// NewUserMessage creates an optimistic user message with a temporary id.
// Content is trimmed the same way the send path validates it.
func NewUserMessage(conversationID, content, userID string) Message {
	return Message{
		ID:             NewTempUserID(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        strings.TrimSpace(content),
		CreatedAt:      time.Now().UTC(),
		UserID:         userID,
	}
}

// NewAssistantPlaceholder creates an empty assistant message to be filled in
// by a stream session. Its timestamp is taken at creation time; callers that
// need strict ordering against the preceding user message should create the
// user message first.
func NewAssistantPlaceholder(conversationID string) Message {
	return Message{
		ID:             NewTempAssistantID(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Content:        "",
		CreatedAt:      time.Now().UTC(),
	}
}

// Clone returns a deep copy of the message. The store hands out clones so
// renderers never alias its internal state.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.TokenCount != nil {
		tc := *m.TokenCount
		out.TokenCount = &tc
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return out
}

// =============================================================================
// MESSAGE PATCH
// =============================================================================

// MessagePatch describes a partial in-place update to a message. Nil fields
// are left untouched.
type MessagePatch struct {
	Content    *string
	Metadata   map[string]any
	TokenCount *int
	Error      *string
}

// Apply merges the patch into a message.
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Metadata != nil {
		m.Metadata = p.Metadata
	}
	if p.TokenCount != nil {
		m.TokenCount = p.TokenCount
	}
	if p.Error != nil {
		m.Error = p.Error
	}
}

// ContentPatch is a convenience constructor for the common content-only case.
func ContentPatch(content string) MessagePatch {
	return MessagePatch{Content: &content}
}
