// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "sync"

// =============================================================================
// SEARCH STATE
// =============================================================================

// SearchRecord is one completed web-search pass kept in the transient
// history.
type SearchRecord struct {
	Status  string
	Sources []string
}

// SearchState tracks the assistant's web-search activity for the active
// conversation. Transient: it resets on every conversation switch and is
// never persisted.
type SearchState struct {
	mu      sync.Mutex
	enabled bool
	status  string
	sources []string
	history []SearchRecord
}

// NewSearchState creates a disabled, empty search state.
func NewSearchState() *SearchState {
	return &SearchState{}
}

// SetEnabled toggles whether sends request web search.
func (s *SearchState) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Enabled reports whether web search is requested.
func (s *SearchState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetStatus records the current search phase ("searching", "reading",
// ...). An empty status clears the in-progress display.
func (s *SearchState) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status returns the current search phase.
func (s *SearchState) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AddSource appends a source URL to the current pass.
func (s *SearchState) AddSource(url string) {
	s.mu.Lock()
	s.sources = append(s.sources, url)
	s.mu.Unlock()
}

// Sources returns a copy of the current pass's sources.
func (s *SearchState) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sources...)
}

// Commit archives the current pass into the history and clears the
// in-progress fields. A pass with no status and no sources is dropped.
func (s *SearchState) Commit() {
	s.mu.Lock()
	if s.status != "" || len(s.sources) > 0 {
		s.history = append(s.history, SearchRecord{
			Status:  s.status,
			Sources: s.sources,
		})
	}
	s.status = ""
	s.sources = nil
	s.mu.Unlock()
}

// History returns a copy of the archived passes.
func (s *SearchState) History() []SearchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SearchRecord(nil), s.history...)
}

// Reset clears everything except the enabled flag, which is a user
// preference that survives conversation switches.
func (s *SearchState) Reset() {
	s.mu.Lock()
	s.status = ""
	s.sources = nil
	s.history = nil
	s.mu.Unlock()
}
