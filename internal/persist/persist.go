// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/chatpipe/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// =============================================================================
// PARAMETER TYPES
// =============================================================================

// EnsureConversationParams selects or creates a conversation. When
// ConversationID is set the existing conversation is returned; otherwise
// a new one is created with the given name.
type EnsureConversationParams struct {
	UserID         string
	ConversationID string
	Name           string
}

// MessageInsert describes a message row to persist. The id is assigned by
// the store; any temporary id the caller used stays on the caller's side.
type MessageInsert struct {
	ConversationID string
	Role           model.Role
	Content        string
	UserID         string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the durable backend for conversations and messages.
type Store interface {
	EnsureConversation(ctx context.Context, params EnsureConversationParams) (model.Conversation, error)
	FetchConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	InsertMessage(ctx context.Context, insert MessageInsert) (model.Message, error)
	UpdateMessage(ctx context.Context, id model.MessageID, patch model.MessagePatch) error

	// DeleteMessagesFrom removes every message in the conversation with
	// createdAt >= from. Regeneration uses this to discard a failed turn
	// before resending.
	DeleteMessagesFrom(ctx context.Context, conversationID string, from time.Time) error

	RenameConversation(ctx context.Context, id, name string) error
	DeleteConversation(ctx context.Context, id string) error

	Close() error
}
