// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/chatpipe/internal/chaterr"
	"github.com/jeranaias/chatpipe/internal/resource"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// retryRefillInterval and retryBurst bound how fast a user can spam
	// the retry action: a fresh controller allows retryBurst immediate
	// retries, refilling one per interval.
	retryRefillInterval = 2 * time.Second
	retryBurst          = 3
)

// =============================================================================
// DECISION TYPES
// =============================================================================

// Action is the recovery affordance exposed after a terminal error.
type Action int

const (
	// ActionNone means no recovery is possible.
	ActionNone Action = iota
	// ActionRetry means an immediately enabled retry.
	ActionRetry
	// ActionWait means retry is disabled until the countdown reaches zero.
	ActionWait
	// ActionSignIn means the credential is broken; route to
	// re-authentication instead of retry.
	ActionSignIn
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionWait:
		return "wait"
	case ActionSignIn:
		return "sign_in"
	default:
		return "none"
	}
}

// Decision is the classified outcome of one terminal error.
type Decision struct {
	Action Action

	// Countdown is the initial wait in whole seconds for ActionWait.
	Countdown int

	// Err is the classified error behind the decision.
	Err *chaterr.ChatError
}

// =============================================================================
// CONTROLLER
// =============================================================================

// logger is the minimal logging surface the controller needs.
type logger interface {
	Debug(msg any, keyvals ...any)
}

// Controller classifies terminal stream errors and tracks the rate-limit
// countdown. Safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	resources *resource.Manager
	limiter   *rate.Limiter
	log       logger

	decision  Decision
	remaining int
	ticker    *resource.Resource

	// gen identifies the current countdown. A tick that was already in
	// flight when its interval was disposed carries the old generation
	// and is discarded instead of decrementing a fresh countdown.
	gen uint64

	// onReady runs once when a countdown reaches zero.
	onReady func()
}

// NewController creates a retry controller. Countdown ticks are tracked
// through the given resource manager so session teardown cancels them.
// log may be nil.
func NewController(resources *resource.Manager, log logger) *Controller {
	return &Controller{
		resources: resources,
		limiter:   rate.NewLimiter(rate.Every(retryRefillInterval), retryBurst),
		log:       log,
	}
}

// OnReady registers a callback invoked when a rate-limit countdown
// expires and retry becomes available.
func (c *Controller) OnReady(fn func()) {
	c.mu.Lock()
	c.onReady = fn
	c.mu.Unlock()
}

// Observe classifies a terminal error and records the resulting decision.
// For rate-limited errors a one-second countdown ticker starts
// immediately.
func (c *Controller) Observe(err error) Decision {
	ce := chaterr.FromError(err)
	if ce == nil {
		return Decision{Action: ActionNone}
	}

	var d Decision
	switch {
	case ce.IsAuth():
		d = Decision{Action: ActionSignIn, Err: ce}
	case ce.Classify() == chaterr.ClassRateLimited:
		seconds := int(math.Ceil(ce.RetryDelay().Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		d = Decision{Action: ActionWait, Countdown: seconds, Err: ce}
	case ce.Classify() == chaterr.ClassRecoverable:
		d = Decision{Action: ActionRetry, Err: ce}
	default:
		d = Decision{Action: ActionNone, Err: ce}
	}

	c.mu.Lock()
	c.stopTickerLocked()
	c.decision = d
	c.remaining = d.Countdown
	gen := c.gen
	c.mu.Unlock()

	if d.Action == ActionWait {
		c.startCountdown(gen)
	}
	if c.log != nil {
		c.log.Debug("terminal error classified", "code", ce.Code, "action", d.Action.String(), "countdown", d.Countdown)
	}
	return d
}

// startCountdown ticks the remaining seconds down once per second,
// firing onReady at zero.
func (c *Controller) startCountdown(gen uint64) {
	ticker := c.resources.RegisterInterval(func() { c.tick(gen) }, time.Second)

	c.mu.Lock()
	if c.gen != gen {
		// A replacing Observe or Clear raced ahead; this countdown is
		// already obsolete.
		c.mu.Unlock()
		c.resources.DisposeResource(ticker)
		return
	}
	c.ticker = ticker
	c.mu.Unlock()
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.remaining > 0 {
		c.remaining--
	}
	done := c.remaining == 0
	ready := c.onReady
	var ticker *resource.Resource
	if done {
		ticker = c.ticker
		c.ticker = nil
	}
	c.mu.Unlock()

	if done {
		if ticker != nil {
			c.resources.DisposeResource(ticker)
		}
		if ready != nil {
			ready()
		}
	}
}

// stopTickerLocked disposes any running countdown and advances the
// generation so in-flight ticks from it are discarded. Caller holds c.mu.
func (c *Controller) stopTickerLocked() {
	c.gen++
	if c.ticker != nil {
		ticker := c.ticker
		c.ticker = nil
		// DisposeResource takes the manager lock only, never c.mu.
		c.resources.DisposeResource(ticker)
	}
}

// Decision returns the current decision.
func (c *Controller) Decision() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision
}

// Countdown returns the remaining whole seconds of a rate-limit wait,
// zero when none is running.
func (c *Controller) Countdown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// CanRetry reports whether the retry action is currently enabled.
func (c *Controller) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.decision.Action {
	case ActionRetry:
		return true
	case ActionWait:
		return c.remaining == 0
	default:
		return false
	}
}

// AllowRetry consumes one retry token. It returns false when the user is
// retrying faster than the limiter refills, independent of the
// classification.
func (c *Controller) AllowRetry() bool {
	if !c.CanRetry() {
		return false
	}
	return c.limiter.Allow()
}

// Clear resets the controller after a successful send or an explicit
// dismissal, cancelling any running countdown.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.stopTickerLocked()
	c.decision = Decision{}
	c.remaining = 0
	c.mu.Unlock()
}

// =============================================================================
// BACKOFF
// =============================================================================

// Backoff returns the delay before retry attempt n (0-based):
// 500ms, 1s, 2s, ... capped at retryMaxDelay.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	return delay
}
