// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/jeranaias/chatpipe/internal/util"
)

// MaxTitleLength is the maximum rune length of an auto-generated
// conversation title.
const MaxTitleLength = 50

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds the metadata of a chat conversation. Message rows live
// in the store and the durable backend, not inline here; the in-memory copy
// is a cache of the durable record, never the source of truth for
// cross-session history.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation creates a conversation owned by the given user, titled
// from the first message content.
func NewConversation(ownerID, content string) Conversation {
	now := time.Now().UTC()
	return Conversation{
		ID:        NewConversationID(),
		OwnerID:   ownerID,
		Title:     TitleFromContent(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps the updated timestamp. Called whenever a message is appended.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

// TitleFromContent derives a conversation title from message content:
// newlines collapsed, rune-safe truncation with an ellipsis.
func TitleFromContent(content string) string {
	content = strings.TrimSpace(content)
	content = strings.ReplaceAll(content, "\n", " ")
	content = strings.ReplaceAll(content, "\r", "")
	if content == "" {
		return "New conversation"
	}
	return util.TruncateRunes(content, MaxTitleLength)
}

// =============================================================================
// CONVERSATION PATCH
// =============================================================================

// ConversationPatch describes a partial update to a conversation.
type ConversationPatch struct {
	Title     *string
	UpdatedAt *time.Time
}

// Apply merges the patch into a conversation.
func (p ConversationPatch) Apply(c *Conversation) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.UpdatedAt != nil {
		c.UpdatedAt = *p.UpdatedAt
	}
}
