// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry keeps the live document replicas of this instance.
//
// At most one replica exists per document id. Replicas are hydrated from
// their persisted snapshot on first acquisition (deduplicated with
// singleflight) and LRU-evicted over capacity; eviction persists the
// snapshot before the replica is dropped and then notifies the eviction
// hook so the document's scheduler can be torn down.
package registry

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/sitka/services/notebook/document"
	"github.com/AleutianAI/sitka/services/notebook/events"
	"github.com/AleutianAI/sitka/services/notebook/telemetry"
)

// DefaultCapacity is the default number of open replicas.
const DefaultCapacity = 128

type entry struct {
	doc        *document.Document
	lruElement *list.Element

	// unbind detaches the replica from the relay, set by the bind hook.
	unbind func()
}

// Registry holds the open document replicas of this instance.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	store    *SnapshotStore
	actor    string
	capacity int
	emitter  *events.Emitter
	logger   *slog.Logger

	// onEvict runs after a replica is persisted and dropped.
	onEvict func(documentID string)

	// canEvict guards eviction candidates; replicas it rejects (e.g. a
	// document whose scheduler is mid-run) are skipped.
	canEvict func(documentID string) bool

	// bind attaches a freshly hydrated replica to the relay and returns
	// the detach function.
	bind func(doc *document.Document) (func(), error)

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	flight  singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity sets the maximum number of open replicas.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithEvictionHook sets the hook run after a replica is evicted.
func WithEvictionHook(fn func(documentID string)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// WithEvictionGuard sets the predicate that protects busy replicas from
// eviction.
func WithEvictionGuard(fn func(documentID string) bool) Option {
	return func(r *Registry) { r.canEvict = fn }
}

// WithBindHook sets the hook that connects a hydrated replica to the
// update relay. The returned function detaches it again on eviction. A
// bind failure is logged and leaves the replica local-only; document
// state still persists through snapshots.
func WithBindHook(fn func(doc *document.Document) (func(), error)) Option {
	return func(r *Registry) { r.bind = fn }
}

// WithEmitter sets the event emitter for eviction notifications.
func WithEmitter(e *events.Emitter) Option {
	return func(r *Registry) { r.emitter = e }
}

// New creates a registry whose replicas act as actor in CRDT stamps.
func New(store *SnapshotStore, actor string, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:    store,
		actor:    actor,
		capacity: DefaultCapacity,
		logger:   logger,
		entries:  make(map[string]*entry),
		lru:      list.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the live replica for key, hydrating it from its snapshot
// on first use.
//
// Description:
//
//	Concurrent first acquisitions of the same document are deduplicated
//	with singleflight so the snapshot is decoded once. Acquiring over
//	capacity evicts the least recently used replica first.
//
// Outputs:
//
//	*document.Document - The live replica, shared by all callers.
//	error - Non-nil when snapshot loading or decoding fails.
func (r *Registry) Acquire(ctx context.Context, key document.Key) (*document.Document, error) {
	if doc, ok := r.Get(key.DocumentID); ok {
		return doc, nil
	}

	result, err, _ := r.flight.Do(key.DocumentID, func() (any, error) {
		// Re-check: another flight may have inserted while we queued.
		if doc, ok := r.Get(key.DocumentID); ok {
			return doc, nil
		}
		return r.hydrate(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*document.Document), nil
}

// Get returns the open replica for documentID if one exists, refreshing its
// LRU position.
func (r *Registry) Get(documentID string) (*document.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[documentID]
	if !ok {
		return nil, false
	}
	r.lru.MoveToFront(e.lruElement)
	return e.doc, true
}

func (r *Registry) hydrate(ctx context.Context, key document.Key) (*document.Document, error) {
	doc := document.New(key, r.actor)
	snapshot, err := r.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		if err := doc.ApplyUpdate(snapshot); err != nil {
			return nil, fmt.Errorf("hydrate document %s: %w", key.DocumentID, err)
		}
	}

	r.mu.Lock()
	if existing, ok := r.entries[key.DocumentID]; ok {
		r.mu.Unlock()
		return existing.doc, nil
	}
	evicted := r.makeRoomLocked()
	e := &entry{doc: doc}
	e.lruElement = r.lru.PushFront(key.DocumentID)
	r.entries[key.DocumentID] = e
	open := len(r.entries)
	r.mu.Unlock()

	if r.bind != nil {
		unbind, err := r.bind(doc)
		if err != nil {
			r.logger.Error("relay bind failed, replica is local-only",
				"document_id", key.DocumentID, "error", err)
		} else {
			r.mu.Lock()
			e.unbind = unbind
			r.mu.Unlock()
		}
	}

	telemetry.DocumentsOpen.Set(float64(open))
	for _, victim := range evicted {
		r.settleEviction(ctx, victim)
	}
	return doc, nil
}

// makeRoomLocked removes LRU entries until under capacity, skipping ones
// the guard protects. Returns the dropped replicas for persistence.
func (r *Registry) makeRoomLocked() []*entry {
	var evicted []*entry
	for len(r.entries) >= r.capacity {
		victim := r.evictLRULocked()
		if victim == nil {
			break
		}
		evicted = append(evicted, victim)
	}
	return evicted
}

func (r *Registry) evictLRULocked() *entry {
	for el := r.lru.Back(); el != nil; el = el.Prev() {
		id := el.Value.(string)
		if r.canEvict != nil && !r.canEvict(id) {
			continue
		}
		e := r.entries[id]
		r.lru.Remove(el)
		delete(r.entries, id)
		return e
	}
	return nil
}

// settleEviction detaches the victim from the relay, persists its
// snapshot, then notifies listeners. A failed persist is logged but never
// blocks eviction: the replica is already out of the map and the CRDT
// state survives on the other replicas.
func (r *Registry) settleEviction(ctx context.Context, e *entry) {
	if e.unbind != nil {
		e.unbind()
	}
	doc := e.doc
	id := doc.Key().DocumentID
	if err := r.persist(ctx, doc); err != nil {
		r.logger.Error("persist snapshot on eviction failed",
			"document_id", id,
			"error", err,
		)
	}
	telemetry.DocumentsEvicted.Inc()
	if r.onEvict != nil {
		r.onEvict(id)
	}
	if r.emitter != nil {
		r.emitter.Emit(events.TypeDocumentEvicted, events.EvictionData{DocumentID: id})
	}
}

func (r *Registry) persist(ctx context.Context, doc *document.Document) error {
	snapshot, err := doc.EncodeSnapshot()
	if err != nil {
		return err
	}
	return r.store.Save(ctx, doc.Key(), snapshot)
}

// Persist saves the current snapshot of an open replica without evicting
// it. Used by the periodic flush loop.
func (r *Registry) Persist(ctx context.Context, documentID string) error {
	doc, ok := r.Get(documentID)
	if !ok {
		return nil
	}
	return r.persist(ctx, doc)
}

// Evict drops the replica for documentID after persisting it. No-op when
// the document is not open.
func (r *Registry) Evict(ctx context.Context, documentID string) {
	r.mu.Lock()
	e, ok := r.entries[documentID]
	if ok {
		r.lru.Remove(e.lruElement)
		delete(r.entries, documentID)
	}
	open := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return
	}
	telemetry.DocumentsOpen.Set(float64(open))
	r.settleEviction(ctx, e)
}

// Len returns the number of open replicas.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close persists every open replica. Called on shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	closing := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		closing = append(closing, e)
	}
	r.entries = make(map[string]*entry)
	r.lru = list.New()
	r.mu.Unlock()

	var firstErr error
	for _, e := range closing {
		if e.unbind != nil {
			e.unbind()
		}
		if err := r.persist(ctx, e.doc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	telemetry.DocumentsOpen.Set(0)
	return firstErr
}
