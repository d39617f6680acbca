// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package resource

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// RESOURCE KINDS
// =============================================================================

// Kind categorizes a tracked resource.
type Kind string

const (
	KindStream   Kind = "stream"
	KindTimer    Kind = "timer"
	KindInterval Kind = "interval"
	KindListener Kind = "listener"
)

// =============================================================================
// RESOURCE TYPE
// =============================================================================

// Resource is a tracked disposable handle.
type Resource struct {
	id   string
	kind Kind

	mu        sync.Mutex
	active    bool
	disposeFn func()
}

// newResource creates a resource wrapping a dispose function.
func newResource(kind Kind, disposeFn func()) *Resource {
	return &Resource{
		id:        string(kind) + "_" + uuid.NewString(),
		kind:      kind,
		active:    true,
		disposeFn: disposeFn,
	}
}

// ID returns the resource's unique identifier.
func (r *Resource) ID() string {
	return r.id
}

// Kind returns the resource kind.
func (r *Resource) Kind() Kind {
	return r.kind
}

// IsActive reports whether the resource has not yet been disposed.
func (r *Resource) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Dispose releases the resource. Safe to call any number of times from any
// goroutine; the underlying dispose function runs exactly once. The
// check-and-set happens as a single step under the resource's lock, the
// dispose function itself runs outside it.
func (r *Resource) Dispose() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	fn := r.disposeFn
	r.disposeFn = nil
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// markInactive flips the active flag without running the dispose function.
// Used when the underlying handle closed itself.
func (r *Resource) markInactive() {
	r.mu.Lock()
	r.active = false
	r.disposeFn = nil
	r.mu.Unlock()
}

// =============================================================================
// NOTIFIER INTERFACE
// =============================================================================

// Notifier is anything that hands out event subscriptions which must be
// released. The store's change feed implements it.
type Notifier interface {
	Subscribe(event string, fn func()) (unsubscribe func())
}

// =============================================================================
// MANAGER
// =============================================================================

// sweepInterval is how often the background sweep removes entries whose
// handle already went inactive on its own.
const sweepInterval = 30 * time.Second

// shutdownPollInterval is how often GracefulShutdown re-checks the active
// stream count.
const shutdownPollInterval = 100 * time.Millisecond

// logger is the minimal logging surface the manager needs. Matches
// charmbracelet/log's keyvals style.
type logger interface {
	Warn(msg any, keyvals ...any)
	Debug(msg any, keyvals ...any)
}

// Manager tracks disposable resources for one owner (a stream session, the
// global registry, or a test). All methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*Resource
	disposed  bool

	log logger

	sweepStop chan struct{}
	sweepOnce sync.Once

	// disposeFailures counts dispose functions that panicked during a
	// sweep, for observability only.
	disposeFailures atomic.Int64
}

// NewManager creates a resource manager with a running background sweep.
// Call DisposeAll (or GracefulShutdown) when the owner goes away.
func NewManager(log logger) *Manager {
	m := &Manager{
		resources: make(map[string]*Resource),
		log:       log,
		sweepStop: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// sweepLoop periodically removes entries that went inactive through
// external means (the underlying stream closed itself, a timer fired).
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupInactive()
		case <-m.sweepStop:
			return
		}
	}
}

// stopSweep terminates the background sweep goroutine.
func (m *Manager) stopSweep() {
	m.sweepOnce.Do(func() { close(m.sweepStop) })
}

// register adds a resource to the table. Returns the resource unchanged so
// callers can hold onto the handle.
func (m *Manager) register(r *Resource) *Resource {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		// A disposed manager no longer tracks anything; release the
		// handle immediately rather than leaking it.
		r.Dispose()
		return r
	}
	m.resources[r.id] = r
	m.mu.Unlock()
	return r
}

// RegisterStream tracks an open stream via its close callback.
func (m *Manager) RegisterStream(closeFn func()) *Resource {
	return m.register(newResource(KindStream, closeFn))
}

// RegisterTimer schedules fn after delay and tracks the timer. Disposing
// the resource stops the timer if it has not fired yet. A timer that fires
// marks itself inactive so the sweep can drop it.
func (m *Manager) RegisterTimer(fn func(), delay time.Duration) *Resource {
	var r *Resource
	t := time.AfterFunc(delay, func() {
		fn()
		r.markInactive()
	})
	r = newResource(KindTimer, func() { t.Stop() })
	return m.register(r)
}

// RegisterInterval runs fn every period until the resource is disposed.
func (m *Manager) RegisterInterval(fn func(), period time.Duration) *Resource {
	ticker := time.NewTicker(period)
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	r := newResource(KindInterval, func() {
		ticker.Stop()
		once.Do(func() { close(stop) })
	})
	return m.register(r)
}

// RegisterListener subscribes fn to an event on the target and tracks the
// subscription.
func (m *Manager) RegisterListener(target Notifier, event string, fn func()) *Resource {
	unsubscribe := target.Subscribe(event, fn)
	return m.register(newResource(KindListener, unsubscribe))
}

// DisposeResource disposes a single resource and removes it from the table.
// Idempotent; unknown resources are ignored.
func (m *Manager) DisposeResource(r *Resource) {
	if r == nil {
		return
	}
	m.mu.Lock()
	delete(m.resources, r.id)
	m.mu.Unlock()
	r.Dispose()
}

// DisposeAll disposes every tracked resource. Individual dispose failures
// are logged and do not abort the sweep. After DisposeAll the manager
// rejects new registrations (they are disposed on arrival) and the
// background sweep stops.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	pending := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		pending = append(pending, r)
	}
	m.resources = make(map[string]*Resource)
	m.mu.Unlock()

	m.stopSweep()

	for _, r := range pending {
		m.disposeSafely(r)
	}
}

// disposeSafely disposes a resource, recovering from a panicking dispose
// function so the remaining entries still get released.
func (m *Manager) disposeSafely(r *Resource) {
	defer func() {
		if rec := recover(); rec != nil {
			m.disposeFailures.Add(1)
			if m.log != nil {
				m.log.Warn("resource dispose failed", "id", r.id, "kind", r.kind, "panic", fmt.Sprint(rec))
			}
		}
	}()
	r.Dispose()
}

// CleanupInactive removes entries whose handle already went inactive
// through external means.
func (m *Manager) CleanupInactive() {
	m.mu.Lock()
	var stale []*Resource
	for id, r := range m.resources {
		if !r.IsActive() {
			stale = append(stale, r)
			delete(m.resources, id)
		}
	}
	m.mu.Unlock()

	if len(stale) > 0 && m.log != nil {
		m.log.Debug("swept inactive resources", "count", len(stale))
	}
}

// Count returns the number of tracked resources.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// ActiveStreamCount returns the number of tracked stream-kind resources
// that are still active.
func (m *Manager) ActiveStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.resources {
		if r.kind == KindStream && r.IsActive() {
			count++
		}
	}
	return count
}

// DisposeFailures returns how many dispose functions failed during sweeps.
func (m *Manager) DisposeFailures() int64 {
	return m.disposeFailures.Load()
}

// GracefulShutdown waits for active stream resources to drain, polling
// until the count reaches zero or the timeout elapses, then forces
// DisposeAll. This bridges the gap between "owner went away" and "stream
// is still flushing its last buffered bytes".
func (m *Manager) GracefulShutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for m.ActiveStreamCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(shutdownPollInterval)
	}
	m.DisposeAll()
}
