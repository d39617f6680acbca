// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"testing"
	"time"
)

func runningSession(t *testing.T, f *fixture) (*Session, *fakeStream) {
	t.Helper()
	s := f.newSession()
	stream := newFakeStream()
	go s.Run(context.Background(), stream)

	deadline := time.Now().Add(time.Second)
	for s.Status() != StatusActive && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Status() != StatusActive {
		t.Fatal("session never went active")
	}
	return s, stream
}

func TestRegistry_ReplaceAbortsPrior(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(nil)

	first, _ := runningSession(t, f)
	r.Register(first)

	second, _ := runningSession(t, f)
	r.Register(second)

	waitTerminal(t, first)
	if first.Status() != StatusAborted {
		t.Errorf("prior session status = %v, want aborted", first.Status())
	}
	if second.Status() != StatusActive {
		t.Errorf("new session status = %v, want active", second.Status())
	}

	got, ok := r.Get("conv-1", f.messageID)
	if !ok || got != second {
		t.Error("registry should hold the replacement")
	}
}

func TestRegistry_TerminalSessionRemovesItself(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(nil)

	s, stream := runningSession(t, f)
	r.Register(s)
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	stream.send("event: done\n\n")
	waitTerminal(t, s)

	deadline := time.Now().Add(time.Second)
	for r.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.Count() != 0 {
		t.Error("terminal session still registered")
	}
}

func TestRegistry_RegisterAfterTerminalLeavesNoEntry(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(nil)

	s, _ := runningSession(t, f)
	s.Abort()
	waitTerminal(t, s)

	// A session that lost the race and terminated before registration
	// must not linger in the table.
	r.Register(s)
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0 after registering a terminal session", r.Count())
	}
}

func TestRegistry_Cancel(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(nil)

	s, _ := runningSession(t, f)
	r.Register(s)

	if !r.Cancel("conv-1", f.messageID) {
		t.Fatal("Cancel found no session")
	}
	waitTerminal(t, s)
	if s.Status() != StatusAborted {
		t.Errorf("status = %v, want aborted", s.Status())
	}

	// Cancelling again is a safe no-op.
	if r.Cancel("conv-1", f.messageID) {
		t.Error("Cancel should miss after removal")
	}
}

func TestRegistry_CancelConversation(t *testing.T) {
	f1 := newFixture(t)
	f2 := newFixture(t)
	r := NewRegistry(nil)

	s1, _ := runningSession(t, f1)
	s2, _ := runningSession(t, f2)
	r.Register(s1)
	r.Register(s2)

	if n := r.CancelConversation("conv-1"); n != 2 {
		t.Errorf("aborted %d sessions, want 2", n)
	}
	waitTerminal(t, s1)
	waitTerminal(t, s2)
}

func TestRegistry_CleanupAll(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(nil)

	s, _ := runningSession(t, f)
	r.Register(s)

	r.CleanupAll()
	waitTerminal(t, s)
	if s.Status() != StatusAborted {
		t.Errorf("status = %v, want aborted", s.Status())
	}
}
