// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/chatpipe/internal/model"
)

func msgAt(id model.MessageID, content string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "conv-1",
		Role:           model.RoleAssistant,
		Content:        content,
		CreatedAt:      at,
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestStore_ConversationLifecycle(t *testing.T) {
	s := New(nil)

	c1 := model.NewConversation("user-1", "first topic")
	c2 := model.NewConversation("user-1", "second topic")
	s.AddConversation(c1)
	s.AddConversation(c2)

	convs := s.Conversations()
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}
	// Newest first.
	if convs[0].ID != c2.ID {
		t.Error("AddConversation should prepend")
	}

	title := "renamed"
	s.UpdateConversation(c1.ID, model.ConversationPatch{Title: &title})
	got, ok := s.ConversationByID(c1.ID)
	if !ok || got.Title != "renamed" {
		t.Errorf("conversation after update = %+v", got)
	}

	s.RemoveConversation(c2.ID)
	if len(s.Conversations()) != 1 {
		t.Error("RemoveConversation did not remove")
	}
}

func TestStore_SetCurrentConversation(t *testing.T) {
	s := New(nil)
	s.AddMessage(msgAt(model.NewTempAssistantID(), "old", time.Now()))

	s.SetCurrentConversation("conv-1")
	if len(s.Messages()) != 0 {
		t.Error("switching conversations should clear the message list")
	}

	// Re-selecting the same id must not clear freshly loaded messages.
	s.AddMessage(msgAt(model.NewTempAssistantID(), "loaded", time.Now()))
	s.SetCurrentConversation("conv-1")
	if len(s.Messages()) != 1 {
		t.Error("re-selecting the current conversation must be a no-op")
	}

	if s.CurrentConversation() != "conv-1" {
		t.Errorf("CurrentConversation = %q", s.CurrentConversation())
	}
}

func TestStore_RemoveCurrentConversationClearsMessages(t *testing.T) {
	s := New(nil)
	s.AddConversation(model.Conversation{ID: "conv-1", OwnerID: "u"})
	s.SetCurrentConversation("conv-1")
	s.AddMessage(msgAt(model.NewTempAssistantID(), "x", time.Now()))

	s.RemoveConversation("conv-1")
	if s.CurrentConversation() != "" || len(s.Messages()) != 0 {
		t.Error("removing the current conversation should deselect and clear")
	}
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestStore_UpdateMessage(t *testing.T) {
	s := New(nil)
	id := model.NewTempAssistantID()
	s.AddMessage(msgAt(id, "", time.Now()))

	s.UpdateMessage(id, model.ContentPatch("hello"))
	got, ok := s.MessageByID(id)
	if !ok || got.Content != "hello" {
		t.Errorf("message = %+v", got)
	}

	// Unknown id is a no-op, not a panic.
	s.UpdateMessage(model.NewTempAssistantID(), model.ContentPatch("x"))
	if len(s.Messages()) != 1 {
		t.Error("unknown-id update changed the list")
	}
}

func TestStore_ReplaceMessageID(t *testing.T) {
	s := New(nil)
	tmp := model.NewTempUserID()
	s.AddMessage(msgAt(tmp, "hi", time.Now()))

	durable := model.PersistedID("9f2c7c1e-0000-4000-8000-000000000001")
	s.ReplaceMessageID(tmp, durable)

	if _, ok := s.MessageByID(tmp); ok {
		t.Error("temporary id should be gone")
	}
	got, ok := s.MessageByID(durable)
	if !ok || got.Content != "hi" {
		t.Errorf("durable message = %+v, ok %v", got, ok)
	}
}

func TestStore_RemoveMessagesFrom(t *testing.T) {
	s := New(nil)
	base := time.Now()
	ids := []model.MessageID{
		model.NewTempUserID(),
		model.NewTempAssistantID(),
		model.NewTempUserID(),
		model.NewTempAssistantID(),
	}
	for i, id := range ids {
		s.AddMessage(msgAt(id, "m", base.Add(time.Duration(i)*time.Second)))
	}

	s.RemoveMessagesFrom(ids[2])
	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != ids[0] || msgs[1].ID != ids[1] {
		t.Error("wrong tail removed")
	}
}

func TestStore_MessagesReturnsCopies(t *testing.T) {
	s := New(nil)
	id := model.NewTempAssistantID()
	m := msgAt(id, "original", time.Now())
	m.Metadata = map[string]any{"k": "v"}
	s.AddMessage(m)

	out := s.Messages()
	out[0].Content = "mutated"
	out[0].Metadata["k"] = "mutated"

	got, _ := s.MessageByID(id)
	if got.Content != "original" || got.Metadata["k"] != "v" {
		t.Error("store state aliased by a reader")
	}
}

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestStore_Reconcile_LocalContentWins(t *testing.T) {
	s := New(nil)
	id := model.PersistedID("9f2c7c1e-0000-4000-8000-00000000000a")
	s.AddMessage(msgAt(id, "partial", time.Now()))

	tc := 12
	remote := msgAt(id, "full", time.Now().Add(-time.Minute))
	remote.TokenCount = &tc
	s.Reconcile([]model.Message{remote})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if msgs[0].Content != "partial" {
		t.Errorf("content = %q, local content must win", msgs[0].Content)
	}
	if msgs[0].TokenCount == nil || *msgs[0].TokenCount != 12 {
		t.Error("remote tokenCount must win")
	}
	if !msgs[0].CreatedAt.Equal(remote.CreatedAt) {
		t.Error("remote createdAt must win")
	}
}

func TestStore_Reconcile_AppendsAndSorts(t *testing.T) {
	s := New(nil)
	base := time.Now()

	localOnly := model.NewTempAssistantID()
	s.AddMessage(msgAt(localOnly, "streaming", base.Add(2*time.Second)))

	r1 := model.PersistedID("9f2c7c1e-0000-4000-8000-00000000000b")
	r2 := model.PersistedID("9f2c7c1e-0000-4000-8000-00000000000c")
	s.Reconcile([]model.Message{
		msgAt(r2, "second", base.Add(time.Second)),
		msgAt(r1, "first", base),
	})

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].ID != r1 || msgs[1].ID != r2 || msgs[2].ID != localOnly {
		t.Errorf("order = %v, %v, %v; want createdAt ascending", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

// =============================================================================
// SUBSCRIPTION TESTS
// =============================================================================

func TestStore_Subscribe(t *testing.T) {
	s := New(nil)

	var msgEvents, convEvents atomic.Int32
	unsubMsg := s.Subscribe(EventMessages, func() { msgEvents.Add(1) })
	s.Subscribe(EventConversations, func() { convEvents.Add(1) })

	s.AddMessage(msgAt(model.NewTempUserID(), "hi", time.Now()))
	s.AddConversation(model.Conversation{ID: "c"})

	if msgEvents.Load() != 1 || convEvents.Load() != 1 {
		t.Errorf("events = %d/%d, want 1/1", msgEvents.Load(), convEvents.Load())
	}

	unsubMsg()
	unsubMsg() // idempotent
	s.AddMessage(msgAt(model.NewTempUserID(), "again", time.Now()))
	if msgEvents.Load() != 1 {
		t.Error("unsubscribed listener still fired")
	}
}

func TestStore_SubscriberCanReadBack(t *testing.T) {
	s := New(nil)

	var seen atomic.Int32
	s.Subscribe(EventMessages, func() {
		seen.Store(int32(len(s.Messages())))
	})

	s.AddMessage(msgAt(model.NewTempUserID(), "hi", time.Now()))
	if seen.Load() != 1 {
		t.Error("subscriber could not read store state")
	}
}
