// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics tracks stream outcomes: counts, durations, and error
// codes. Counters feed log output and diagnostics only; nothing here is
// exported off the process.
package metrics

import (
	"sync"
	"time"

	"github.com/jeranaias/chatpipe/internal/chaterr"
)

// =============================================================================
// STREAM METRICS
// =============================================================================

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Started   int64
	Completed int64
	Errored   int64
	Stopped   int64

	// TotalDuration accumulates the wall time of finished streams.
	TotalDuration time.Duration

	// ErrorsByCode counts terminal errors per code.
	ErrorsByCode map[chaterr.Code]int64
}

// AvgDuration returns the mean stream duration across finished streams.
func (s Snapshot) AvgDuration() time.Duration {
	finished := s.Completed + s.Errored + s.Stopped
	if finished == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(finished)
}

// Recorder collects stream metrics. Safe for concurrent use. The zero
// value is not usable; call NewRecorder.
type Recorder struct {
	mu           sync.Mutex
	started      int64
	completed    int64
	errored      int64
	stopped      int64
	totalElapsed time.Duration
	errorsByCode map[chaterr.Code]int64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{errorsByCode: make(map[chaterr.Code]int64)}
}

// StreamStarted records a stream going active.
func (r *Recorder) StreamStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

// StreamCompleted records a normal completion.
func (r *Recorder) StreamCompleted(elapsed time.Duration) {
	r.mu.Lock()
	r.completed++
	r.totalElapsed += elapsed
	r.mu.Unlock()
}

// StreamErrored records a terminal error.
func (r *Recorder) StreamErrored(code chaterr.Code, elapsed time.Duration) {
	r.mu.Lock()
	r.errored++
	r.totalElapsed += elapsed
	r.errorsByCode[code]++
	r.mu.Unlock()
}

// StreamStopped records a user- or supersede-driven abort.
func (r *Recorder) StreamStopped(elapsed time.Duration) {
	r.mu.Lock()
	r.stopped++
	r.totalElapsed += elapsed
	r.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	byCode := make(map[chaterr.Code]int64, len(r.errorsByCode))
	for code, n := range r.errorsByCode {
		byCode[code] = n
	}
	return Snapshot{
		Started:       r.started,
		Completed:     r.completed,
		Errored:       r.errored,
		Stopped:       r.stopped,
		TotalDuration: r.totalElapsed,
		ErrorsByCode:  byCode,
	}
}
