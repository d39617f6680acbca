// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/jeranaias/chatpipe/internal/chaterr"
	"github.com/jeranaias/chatpipe/internal/resource"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	rm := resource.NewManager(nil)
	t.Cleanup(rm.DisposeAll)
	return NewController(rm, nil)
}

// =============================================================================
// CLASSIFICATION TESTS
// =============================================================================

func TestController_Observe(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantAction Action
	}{
		{
			name:       "rate limited",
			err:        chaterr.New(chaterr.CodeRateLimitExceeded, "slow down"),
			wantAction: ActionWait,
		},
		{
			name:       "service unavailable",
			err:        chaterr.New(chaterr.CodeServiceUnavailable, "down"),
			wantAction: ActionRetry,
		},
		{
			name:       "generic operation failure",
			err:        chaterr.New(chaterr.CodeOperationFailed, "oops"),
			wantAction: ActionRetry,
		},
		{
			name:       "expired auth",
			err:        chaterr.New(chaterr.CodeAuthTokenExpired, "expired"),
			wantAction: ActionSignIn,
		},
		{
			name:       "validation",
			err:        chaterr.New(chaterr.CodeValidationFailed, "empty"),
			wantAction: ActionNone,
		},
		{
			name:       "untyped network error",
			err:        errors.New("connection refused"),
			wantAction: ActionRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t)
			d := c.Observe(tt.err)
			if d.Action != tt.wantAction {
				t.Errorf("action = %v, want %v", d.Action, tt.wantAction)
			}
			if d.Err == nil {
				t.Error("decision should carry the classified error")
			}
		})
	}
}

func TestController_Observe_NilError(t *testing.T) {
	c := newTestController(t)
	d := c.Observe(nil)
	if d.Action != ActionNone || d.Err != nil {
		t.Errorf("decision = %+v", d)
	}
}

// =============================================================================
// COUNTDOWN TESTS
// =============================================================================

func TestController_RateLimitCountdown(t *testing.T) {
	c := newTestController(t)

	ready := make(chan struct{})
	c.OnReady(func() { close(ready) })

	err := &chaterr.ChatError{
		Code:       chaterr.CodeRateLimitExceeded,
		Message:    "slow down",
		RetryAfter: 2 * time.Second,
	}
	d := c.Observe(err)
	if d.Action != ActionWait || d.Countdown != 2 {
		t.Fatalf("decision = %+v, want wait with countdown 2", d)
	}
	if c.CanRetry() {
		t.Error("retry must be disabled while the countdown runs")
	}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("countdown never reached zero")
	}

	if c.Countdown() != 0 {
		t.Errorf("Countdown = %d after expiry", c.Countdown())
	}
	if !c.CanRetry() {
		t.Error("retry should enable once the countdown expires")
	}
}

func TestController_DefaultRateLimitCountdown(t *testing.T) {
	c := newTestController(t)

	d := c.Observe(chaterr.New(chaterr.CodeRateLimitExceeded, "no header"))
	if d.Countdown <= 0 {
		t.Errorf("countdown = %d, want a positive default", d.Countdown)
	}
	c.Clear()
}

func TestController_TickFromReplacedCountdownIgnored(t *testing.T) {
	c := newTestController(t)

	// First countdown; its interval may still have a tick in flight when
	// it is replaced.
	c.Observe(&chaterr.ChatError{Code: chaterr.CodeRateLimitExceeded, RetryAfter: 30 * time.Second})
	c.mu.Lock()
	staleGen := c.gen
	c.mu.Unlock()

	// Replacing observation resets the countdown.
	c.Observe(&chaterr.ChatError{Code: chaterr.CodeRateLimitExceeded, RetryAfter: 30 * time.Second})
	before := c.Countdown()

	// A leftover tick from the first countdown must not touch the new one.
	c.tick(staleGen)
	if got := c.Countdown(); got != before {
		t.Errorf("countdown after stale tick = %d, want %d", got, before)
	}

	// A tick from the live countdown still decrements.
	c.mu.Lock()
	liveGen := c.gen
	c.mu.Unlock()
	c.tick(liveGen)
	if got := c.Countdown(); got != before-1 {
		t.Errorf("countdown after live tick = %d, want %d", got, before-1)
	}
	c.Clear()
}

func TestController_Clear(t *testing.T) {
	c := newTestController(t)

	err := &chaterr.ChatError{Code: chaterr.CodeRateLimitExceeded, RetryAfter: 30 * time.Second}
	c.Observe(err)
	c.Clear()

	if c.Countdown() != 0 {
		t.Error("Clear should cancel the countdown")
	}
	if d := c.Decision(); d.Action != ActionNone {
		t.Errorf("decision after clear = %+v", d)
	}
}

// =============================================================================
// RETRY BUDGET TESTS
// =============================================================================

func TestController_AllowRetry(t *testing.T) {
	c := newTestController(t)

	if c.AllowRetry() {
		t.Error("no decision yet, retry must be disallowed")
	}

	c.Observe(chaterr.New(chaterr.CodeServiceUnavailable, "down"))

	allowed := 0
	for i := 0; i < 10; i++ {
		if c.AllowRetry() {
			allowed++
		}
	}
	if allowed != retryBurst {
		t.Errorf("allowed %d rapid retries, want %d", allowed, retryBurst)
	}
}

// =============================================================================
// BACKOFF TESTS
// =============================================================================

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, retryMaxDelay},
		{-1, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
