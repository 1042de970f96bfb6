// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes one event.
type Handler func(event *Event)

type subscription struct {
	id      string
	handler Handler
	types   []Type
}

// Emitter broadcasts events to subscribers.
//
// Thread Safety: Emitter is safe for concurrent use. Handlers run on the
// emitting goroutine; panics are recovered so one failing handler cannot
// take down the caller or starve other handlers.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{subscriptions: make(map[string]*subscription)}
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscription{id: uuid.NewString(), handler: handler, types: types}
	e.subscriptions[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers.
func (e *Emitter) Emit(eventType Type, data any) {
	e.mu.RLock()
	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, sub := range subs {
		if sub.matches(eventType) {
			safeInvoke(sub.handler, &event)
		}
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

func (s *subscription) matches(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, st := range s.types {
		if st == t {
			return true
		}
	}
	return false
}

func safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"panic", r,
			)
		}
	}()
	handler(event)
}
