// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// MESSAGE IDENTIFIERS
// =============================================================================

// Temporary id prefixes. User messages and assistant placeholders get
// distinct prefixes so debugging output reveals which optimistic path
// produced a row.
const (
	TempUserPrefix      = "msg_"
	TempAssistantPrefix = "ai_"
)

// MessageID identifies a message. It is either temporary (locally generated
// for an optimistic row) or persisted (a UUID assigned by the durable
// store). The zero value is invalid.
type MessageID struct {
	value     string
	temporary bool
}

// NewTempUserID generates a temporary id for an optimistic user message.
func NewTempUserID() MessageID {
	return MessageID{value: TempUserPrefix + uuid.NewString(), temporary: true}
}

// NewTempAssistantID generates a temporary id for an assistant placeholder.
func NewTempAssistantID() MessageID {
	return MessageID{value: TempAssistantPrefix + uuid.NewString(), temporary: true}
}

// PersistedID wraps an identifier assigned by the durable store.
func PersistedID(id string) MessageID {
	return MessageID{value: id}
}

// ParseMessageID reconstructs a MessageID from its string form. Ids carrying
// a known temporary prefix are treated as temporary; everything else is
// assumed persisted.
func ParseMessageID(s string) MessageID {
	if strings.HasPrefix(s, TempUserPrefix) || strings.HasPrefix(s, TempAssistantPrefix) {
		return MessageID{value: s, temporary: true}
	}
	return MessageID{value: s}
}

// String returns the wire form of the id.
func (id MessageID) String() string {
	return id.value
}

// IsTemporary reports whether the id was generated locally and has not yet
// been replaced by a durable identifier.
func (id MessageID) IsTemporary() bool {
	return id.temporary
}

// IsZero reports whether the id is unset.
func (id MessageID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON encodes the id as its wire string.
func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes the wire string, restoring the temporary flag
// from the prefix.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ParseMessageID(s)
	return nil
}

// NewConversationID generates a durable conversation identifier.
func NewConversationID() string {
	return uuid.NewString()
}
