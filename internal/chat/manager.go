// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/chatpipe/internal/chaterr"
	"github.com/jeranaias/chatpipe/internal/metrics"
	"github.com/jeranaias/chatpipe/internal/model"
	"github.com/jeranaias/chatpipe/internal/persist"
	"github.com/jeranaias/chatpipe/internal/resource"
	"github.com/jeranaias/chatpipe/internal/retry"
	"github.com/jeranaias/chatpipe/internal/sender"
	"github.com/jeranaias/chatpipe/internal/session"
	"github.com/jeranaias/chatpipe/internal/store"
	"github.com/jeranaias/chatpipe/internal/transport"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// StreamOpener is the transport surface the manager needs. Implemented by
// *transport.Client.
type StreamOpener interface {
	OpenStream(ctx context.Context, req transport.StreamRequest) (*transport.StreamConn, error)
}

// logger is the minimal logging surface the manager needs.
type logger interface {
	Debug(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
}

// =============================================================================
// MANAGER
// =============================================================================

// Config wires a Manager to its collaborators. Store, Durable, Opener,
// Identity, Resources, and Registry are required; the rest may be nil.
type Config struct {
	Store     *store.Store
	Durable   persist.Store
	Opener    StreamOpener
	Identity  sender.Identity
	Resources *resource.Manager
	Registry  *session.Registry
	Retries   *retry.Controller
	Metrics   *metrics.Recorder
	Log       logger
}

// Manager is the pipeline entry point for one user. All methods are safe
// for concurrent use.
type Manager struct {
	cfg    Config
	sender *sender.Sender

	mu      sync.Mutex
	sending bool
	lastErr *chaterr.ChatError

	// lastTurn remembers the most recent user content per conversation
	// so a retry can resend it.
	lastTurn map[string]string

	// loading dedupes concurrent message loads per conversation.
	loading map[string]bool

	search *SearchState
}

// NewManager creates a manager over the given collaborators.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		sender:   sender.New(cfg.Store, cfg.Durable, cfg.Identity, cfg.Log),
		lastTurn: make(map[string]string),
		loading:  make(map[string]bool),
		search:   NewSearchState(),
	}
}

// =============================================================================
// OBSERVABLES
// =============================================================================

// Messages returns the active conversation's messages.
func (m *Manager) Messages() []model.Message {
	return m.cfg.Store.Messages()
}

// IsSending reports whether a turn is in flight.
func (m *Manager) IsSending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sending
}

// Err returns the last terminal error, nil when none.
func (m *Manager) Err() *chaterr.ChatError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Search returns the per-conversation search state.
func (m *Manager) Search() *SearchState {
	return m.search
}

// ClearError dismisses the last error and cancels any retry countdown.
func (m *Manager) ClearError() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	if m.cfg.Retries != nil {
		m.cfg.Retries.Clear()
	}
}

// =============================================================================
// SENDING
// =============================================================================

// SendMessage runs one full turn: persist the user message and an
// assistant placeholder, open the stream, and feed it into the store.
// It returns once the stream is running (or has failed to start); the
// streaming itself continues in the background until a terminal signal.
func (m *Manager) SendMessage(ctx context.Context, content string) error {
	m.beginSend()

	var prepared sender.Prepared
	var err error
	if current := m.cfg.Store.CurrentConversation(); current == "" {
		prepared, err = m.sender.PrepareNewConversation(ctx, content)
	} else {
		prepared, err = m.sender.PrepareCompletions(ctx, current, content)
	}
	if err != nil {
		m.failSend(err)
		return err
	}

	m.mu.Lock()
	m.lastTurn[prepared.ConversationID] = content
	m.mu.Unlock()

	return m.startStream(ctx, prepared)
}

// startStream opens the transport and runs a session targeting the
// prepared assistant placeholder.
func (m *Manager) startStream(ctx context.Context, prepared sender.Prepared) error {
	history := m.historyFor(prepared.AssistantMessageID)

	conn, err := m.cfg.Opener.OpenStream(ctx, transport.StreamRequest{
		ConversationID: prepared.ConversationID,
		Messages:       history,
	})
	if err != nil {
		m.failSend(err)
		return err
	}

	started := time.Now()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StreamStarted()
	}

	sess := session.New(session.Config{
		ConversationID: prepared.ConversationID,
		MessageID:      prepared.AssistantMessageID,
		Store:          m.cfg.Store,
		Durable:        m.cfg.Durable,
		Resources:      m.cfg.Resources,
		Log:            m.cfg.Log,
		OnTerminal: func(status session.Status, cerr *chaterr.ChatError) {
			m.finishStream(status, cerr, time.Since(started))
		},
	})
	m.cfg.Registry.Register(sess)

	// The session owns the connection from here; its teardown aborts it.
	go sess.Run(context.WithoutCancel(ctx), conn)
	return nil
}

// historyFor builds the message history for the engine, excluding the
// empty placeholder the stream will fill.
func (m *Manager) historyFor(placeholder model.MessageID) []transport.TurnMessage {
	msgs := m.cfg.Store.Messages()
	history := make([]transport.TurnMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == placeholder {
			continue
		}
		history = append(history, transport.TurnMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return history
}

// finishStream records the terminal outcome of a session.
func (m *Manager) finishStream(status session.Status, cerr *chaterr.ChatError, elapsed time.Duration) {
	m.mu.Lock()
	m.sending = false
	if status == session.StatusErrored {
		m.lastErr = cerr
	}
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		switch status {
		case session.StatusCompleted:
			m.cfg.Metrics.StreamCompleted(elapsed)
		case session.StatusErrored:
			m.cfg.Metrics.StreamErrored(cerr.Code, elapsed)
		case session.StatusAborted:
			m.cfg.Metrics.StreamStopped(elapsed)
		}
	}
	if status == session.StatusErrored && m.cfg.Retries != nil {
		m.cfg.Retries.Observe(cerr)
	}
}

func (m *Manager) beginSend() {
	m.mu.Lock()
	m.sending = true
	m.lastErr = nil
	m.mu.Unlock()
	if m.cfg.Retries != nil {
		m.cfg.Retries.Clear()
	}
}

func (m *Manager) failSend(err error) {
	cerr := chaterr.FromError(err)
	m.mu.Lock()
	m.sending = false
	m.lastErr = cerr
	m.mu.Unlock()
	if m.cfg.Retries != nil {
		m.cfg.Retries.Observe(cerr)
	}
	if m.cfg.Log != nil {
		m.cfg.Log.Warn("send failed", "code", cerr.Code, "error", cerr.Message)
	}
}

// =============================================================================
// CANCELLATION AND REGENERATION
// =============================================================================

// StopGenerating aborts any active stream in the current conversation.
// Synchronous and always safe to call, even with no session active: it
// only triggers disposal, it does not wait for the transport to close.
func (m *Manager) StopGenerating() {
	current := m.cfg.Store.CurrentConversation()
	if current == "" {
		return
	}
	m.cfg.Registry.CancelConversation(current)
}

// RefreshMessage regenerates the turn containing the given assistant
// message: it locates the nearest preceding user message, discards every
// persisted message from that user message onward, and resends its
// content as a fresh turn.
func (m *Manager) RefreshMessage(ctx context.Context, messageID model.MessageID) error {
	msgs := m.cfg.Store.Messages()

	idx := -1
	for i, msg := range msgs {
		if msg.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return chaterr.New(chaterr.CodeResourceNotFound, "message not found")
	}

	// Nearest preceding user message; the target itself when it is one.
	userIdx := -1
	for i := idx; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return chaterr.New(chaterr.CodeOperationFailed, "no user message precedes this turn")
	}
	userMsg := msgs[userIdx]

	m.StopGenerating()

	if err := m.cfg.Durable.DeleteMessagesFrom(ctx, userMsg.ConversationID, userMsg.CreatedAt); err != nil {
		return chaterr.Wrap(chaterr.CodeOperationFailed, "discard turn", err)
	}
	m.cfg.Store.RemoveMessagesFrom(userMsg.ID)

	return m.SendMessage(ctx, userMsg.Content)
}

// RetryLast resends the most recent user content of the current
// conversation, honoring the retry controller's budget when one is
// configured.
func (m *Manager) RetryLast(ctx context.Context) error {
	current := m.cfg.Store.CurrentConversation()
	if current == "" {
		return chaterr.New(chaterr.CodeValidationFailed, "no conversation selected")
	}
	if m.cfg.Retries != nil && !m.cfg.Retries.AllowRetry() {
		return chaterr.New(chaterr.CodeRateLimitExceeded, "retry not available yet")
	}

	// Prefer regenerating the failed turn so the broken rows are
	// discarded rather than duplicated.
	for _, msg := range m.cfg.Store.Messages() {
		if msg.Role == model.RoleAssistant && msg.Error != nil {
			return m.RefreshMessage(ctx, msg.ID)
		}
	}

	m.mu.Lock()
	content := m.lastTurn[current]
	m.mu.Unlock()
	if content == "" {
		return chaterr.New(chaterr.CodeOperationFailed, "nothing to retry")
	}
	return m.SendMessage(ctx, content)
}

// =============================================================================
// CONVERSATION MANAGEMENT
// =============================================================================

// LoadConversations fetches the user's conversations into the store.
func (m *Manager) LoadConversations(ctx context.Context) error {
	convs, err := m.cfg.Durable.FetchConversations(ctx, m.cfg.Identity.UserID())
	if err != nil {
		return chaterr.Wrap(chaterr.CodeOperationFailed, "load conversations", err)
	}
	m.cfg.Store.SetConversations(convs)
	return nil
}

// SelectConversation switches the active conversation and loads its
// messages, reconciling them against any optimistic local rows.
// Selecting the current conversation again is a no-op. Concurrent loads
// for the same conversation are deduplicated.
func (m *Manager) SelectConversation(ctx context.Context, id string) error {
	if m.cfg.Store.CurrentConversation() == id {
		return nil
	}
	m.cfg.Store.SetCurrentConversation(id)
	m.search.Reset()
	if id == "" {
		return nil
	}
	return m.loadMessages(ctx, id)
}

// loadMessages fetches and reconciles the conversation's messages.
func (m *Manager) loadMessages(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.loading[conversationID] {
		m.mu.Unlock()
		return nil
	}
	m.loading[conversationID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.loading, conversationID)
		m.mu.Unlock()
	}()

	msgs, err := m.cfg.Durable.FetchMessages(ctx, conversationID)
	if err != nil {
		return chaterr.Wrap(chaterr.CodeOperationFailed, "load messages", err)
	}

	// Ignore the result if the user switched away mid-fetch.
	if m.cfg.Store.CurrentConversation() != conversationID {
		return nil
	}
	m.cfg.Store.Reconcile(msgs)
	return nil
}

// DeleteConversation cancels its streams and removes it everywhere.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	m.cfg.Registry.CancelConversation(id)

	if err := m.cfg.Durable.DeleteConversation(ctx, id); err != nil {
		return chaterr.Wrap(chaterr.CodeOperationFailed, "delete conversation", err)
	}
	m.cfg.Store.RemoveConversation(id)

	m.mu.Lock()
	delete(m.lastTurn, id)
	m.mu.Unlock()
	return nil
}

// RenameConversation renames it durably and in the store.
func (m *Manager) RenameConversation(ctx context.Context, id, name string) error {
	if err := m.cfg.Durable.RenameConversation(ctx, id, name); err != nil {
		return chaterr.Wrap(chaterr.CodeOperationFailed, "rename conversation", err)
	}
	m.cfg.Store.UpdateConversation(id, model.ConversationPatch{Title: &name})
	return nil
}

// Shutdown aborts all live sessions and drains resources, bounded by the
// timeout.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.cfg.Registry.CleanupAll()
	m.cfg.Resources.GracefulShutdown(timeout)
}
