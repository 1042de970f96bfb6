// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the in-process event bus for notebook lifecycle
// notifications. Instances are created per service and injected; there is
// no process-wide mutable emitter.
package events

import "time"

// Type identifies an event category.
type Type string

const (
	// TypeExecutionStarted fires when a block run is admitted by the
	// execution slot and moves to running.
	TypeExecutionStarted Type = "execution.started"

	// TypeExecutionFinished fires when a run reaches a terminal outcome
	// (success, error, or cancellation).
	TypeExecutionFinished Type = "execution.finished"

	// TypeTitleUpdated fires when a document title changes.
	TypeTitleUpdated Type = "document.title_updated"

	// TypeDocumentEvicted fires when the registry evicts a document after
	// persisting its snapshot.
	TypeDocumentEvicted Type = "document.evicted"
)

// Event is one emitted notification.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ExecutionData is the payload of execution lifecycle events.
type ExecutionData struct {
	DocumentID string `json:"documentId"`
	BlockID    string `json:"blockId"`

	// Outcome is "success", "error", or "cancelled"; empty for started
	// events.
	Outcome string `json:"outcome,omitempty"`

	// Suggestion is true for runs triggered by an AI suggestion flow.
	Suggestion bool `json:"suggestion,omitempty"`
}

// TitleData is the payload of TypeTitleUpdated.
type TitleData struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
}

// EvictionData is the payload of TypeDocumentEvicted.
type EvictionData struct {
	DocumentID string `json:"documentId"`
}
