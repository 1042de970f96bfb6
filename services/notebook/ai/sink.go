// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ai

import (
	"sync"
	"time"
)

// DefaultSinkInterval is how often a streaming suggestion is applied to the
// document at most.
const DefaultSinkInterval = 50 * time.Millisecond

// Sink coalesces bursts of streamed text into rate-limited applications.
//
// Description:
//
//	Write replaces the pending text; apply runs with the latest text at
//	most once per interval. The first Write applies immediately, bursts
//	within the interval coalesce into one trailing application, and Flush
//	applies whatever is still pending. Used to turn per-token CRDT churn
//	into a handful of source updates.
//
// Thread Safety: Sink is safe for concurrent use.
type Sink struct {
	interval time.Duration
	apply    func(string)

	mu      sync.Mutex
	pending string
	dirty   bool
	timer   *time.Timer
}

// NewSink creates a sink applying through fn. A non-positive interval
// falls back to DefaultSinkInterval.
func NewSink(interval time.Duration, fn func(string)) *Sink {
	if interval <= 0 {
		interval = DefaultSinkInterval
	}
	return &Sink{interval: interval, apply: fn}
}

// Write replaces the pending text with the latest accumulated value.
func (s *Sink) Write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = text
	s.dirty = true
	if s.timer == nil {
		s.applyLocked()
		s.timer = time.AfterFunc(s.interval, s.onTimer)
	}
}

// Flush applies any pending text immediately and stops the timer. Called
// once when the stream ends.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.dirty {
		s.applyLocked()
	}
}

func (s *Sink) onTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		// Flushed while the timer was firing.
		return
	}
	if s.dirty {
		s.applyLocked()
		s.timer = time.AfterFunc(s.interval, s.onTimer)
		return
	}
	s.timer = nil
}

func (s *Sink) applyLocked() {
	s.apply(s.pending)
	s.dirty = false
}
