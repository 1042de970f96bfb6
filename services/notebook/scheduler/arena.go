// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/sitka/services/notebook/document"
	"github.com/AleutianAI/sitka/services/notebook/events"
)

// Arena holds the scheduler of every open document, keyed by document id.
// Schedulers are created lazily on first use and torn down when the
// registry evicts their document.
//
// Thread Safety: Arena is safe for concurrent use.
type Arena struct {
	runner  Runner
	emitter *events.Emitter
	logger  *slog.Logger

	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

// NewArena creates an empty arena.
func NewArena(runner Runner, emitter *events.Emitter, logger *slog.Logger) *Arena {
	return &Arena{
		runner:     runner,
		emitter:    emitter,
		logger:     logger,
		schedulers: make(map[string]*Scheduler),
	}
}

// For returns the scheduler for doc, creating it on first use.
func (a *Arena) For(doc *document.Document) *Scheduler {
	id := doc.Key().DocumentID
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.schedulers[id]; ok {
		return s
	}
	s := New(doc, a.runner, a.emitter, a.logger)
	a.schedulers[id] = s
	return s
}

// Get returns the scheduler for documentID if one exists.
func (a *Arena) Get(documentID string) (*Scheduler, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.schedulers[documentID]
	return s, ok
}

// Teardown closes and removes the scheduler for documentID. Called by the
// registry's eviction hook.
func (a *Arena) Teardown(documentID string) {
	a.mu.Lock()
	s, ok := a.schedulers[documentID]
	delete(a.schedulers, documentID)
	a.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close tears down every scheduler.
func (a *Arena) Close() {
	a.mu.Lock()
	schedulers := make([]*Scheduler, 0, len(a.schedulers))
	for _, s := range a.schedulers {
		schedulers = append(schedulers, s)
	}
	a.schedulers = make(map[string]*Scheduler)
	a.mu.Unlock()
	for _, s := range schedulers {
		s.Close()
	}
}
