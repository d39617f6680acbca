// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sender

import (
	"context"
	"strings"
	"time"

	"github.com/jeranaias/chatpipe/internal/chaterr"
	"github.com/jeranaias/chatpipe/internal/model"
	"github.com/jeranaias/chatpipe/internal/persist"
	"github.com/jeranaias/chatpipe/internal/store"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Identity supplies the authenticated user. An empty UserID means no one
// is signed in and sends are rejected before any I/O.
type Identity interface {
	UserID() string
}

// logger is the minimal logging surface the sender needs.
type logger interface {
	Debug(msg any, keyvals ...any)
}

// =============================================================================
// PREPARED TURN
// =============================================================================

// Prepared identifies the rows created for one turn. Both message ids are
// durable; the optimistic temporary ids have already been resolved in the
// store.
type Prepared struct {
	ConversationID     string
	UserMessageID      model.MessageID
	AssistantMessageID model.MessageID
}

// =============================================================================
// SENDER
// =============================================================================

// Sender orchestrates the persistence steps that precede a stream.
type Sender struct {
	store    *store.Store
	durable  persist.Store
	identity Identity
	log      logger
}

// New creates a sender. log may be nil.
func New(st *store.Store, durable persist.Store, identity Identity, log logger) *Sender {
	return &Sender{store: st, durable: durable, identity: identity, log: log}
}

// PrepareNewConversation validates the content, selects or creates a
// conversation, and persists the turn's two messages. An already-selected
// conversation with no messages is reused, so a rapid double-submit does
// not create duplicate conversations.
func (s *Sender) PrepareNewConversation(ctx context.Context, content string) (Prepared, error) {
	content, userID, err := s.validate(content)
	if err != nil {
		return Prepared{}, err
	}

	conversationID := s.reusableConversation()
	if conversationID == "" {
		conv, err := s.durable.EnsureConversation(ctx, persist.EnsureConversationParams{
			UserID: userID,
			Name:   model.TitleFromContent(content),
		})
		if err != nil {
			return Prepared{}, chaterr.Wrap(chaterr.CodeConversationCreate, "create conversation", err)
		}
		conversationID = conv.ID
		s.store.AddConversation(conv)
		s.store.SetCurrentConversation(conv.ID)
		if s.log != nil {
			s.log.Debug("conversation created", "id", conv.ID, "title", conv.Title)
		}
	}

	return s.persistTurn(ctx, conversationID, content, userID)
}

// PrepareCompletions persists a turn against an existing conversation.
func (s *Sender) PrepareCompletions(ctx context.Context, conversationID, content string) (Prepared, error) {
	content, userID, err := s.validate(content)
	if err != nil {
		return Prepared{}, err
	}

	if _, err := s.durable.EnsureConversation(ctx, persist.EnsureConversationParams{
		UserID:         userID,
		ConversationID: conversationID,
	}); err != nil {
		return Prepared{}, chaterr.Wrap(chaterr.CodeConversationNotFound, "resolve conversation", err)
	}

	return s.persistTurn(ctx, conversationID, content, userID)
}

// validate applies the pre-I/O checks: non-empty content, signed-in user.
func (s *Sender) validate(content string) (trimmed, userID string, err error) {
	trimmed = strings.TrimSpace(content)
	if trimmed == "" {
		return "", "", chaterr.New(chaterr.CodeValidationFailed, "message content is empty")
	}
	userID = s.identity.UserID()
	if userID == "" {
		return "", "", chaterr.New(chaterr.CodeValidationFailed, "not authenticated")
	}
	return trimmed, userID, nil
}

// reusableConversation returns the currently selected conversation when
// it has no messages yet, "" otherwise.
func (s *Sender) reusableConversation() string {
	current := s.store.CurrentConversation()
	if current == "" {
		return ""
	}
	if len(s.store.Messages()) != 0 {
		return ""
	}
	return current
}

// persistTurn inserts the optimistic rows, persists them, and resolves
// the temporary ids. The assistant placeholder is always persisted with a
// later timestamp than the user message, so sort-by-time reconstructs
// turn order after a reload.
func (s *Sender) persistTurn(ctx context.Context, conversationID, content, userID string) (Prepared, error) {
	userMsg := model.NewUserMessage(conversationID, content, userID)
	s.store.AddMessage(userMsg)

	persistedUser, err := s.durable.InsertMessage(ctx, persist.MessageInsert{
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        content,
		UserID:         userID,
	})
	if err != nil {
		return Prepared{}, chaterr.Wrap(chaterr.CodeMessageSendFailed, "persist user message", err)
	}
	s.store.ReplaceMessageID(userMsg.ID, persistedUser.ID)

	placeholder := model.NewAssistantPlaceholder(conversationID)
	s.store.AddMessage(placeholder)

	persistedAssistant, err := s.durable.InsertMessage(ctx, persist.MessageInsert{
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Content:        "",
		CreatedAt:      persistedUser.CreatedAt.Add(time.Millisecond),
	})
	if err != nil {
		return Prepared{}, chaterr.Wrap(chaterr.CodeMessageSendFailed, "persist assistant placeholder", err)
	}
	s.store.ReplaceMessageID(placeholder.ID, persistedAssistant.ID)

	s.store.UpdateConversation(conversationID, model.ConversationPatch{
		UpdatedAt: &persistedAssistant.CreatedAt,
	})

	return Prepared{
		ConversationID:     conversationID,
		UserMessageID:      persistedUser.ID,
		AssistantMessageID: persistedAssistant.ID,
	}, nil
}
