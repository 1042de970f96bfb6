// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package document

import (
	"encoding/json"
	"fmt"
	"sort"
)

// =============================================================================
// Stamps
// =============================================================================

// stamp is a Lamport timestamp paired with the actor that produced it.
//
// Stamps totally order concurrent writes: higher clock wins, ties break on
// the actor id. Because the order is total and writes are applied
// last-writer-wins, merging is commutative, associative, and idempotent.
type stamp struct {
	Clock uint64 `json:"c"`
	Actor string `json:"a"`
}

// newer reports whether s should replace o under last-writer-wins.
func (s stamp) newer(o stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Actor > o.Actor
}

// lww is a last-writer-wins register.
type lww[T any] struct {
	val   T
	stamp stamp
}

// set applies a stamped write and reports whether it took effect.
func (l *lww[T]) set(v T, s stamp) bool {
	if !s.newer(l.stamp) {
		return false
	}
	l.val = v
	l.stamp = s
	return true
}

// =============================================================================
// Operations
// =============================================================================

// opKind discriminates update operations.
type opKind string

const (
	opPutBlock     opKind = "put_block"
	opRemoveBlock  opKind = "remove_block"
	opSetField     opKind = "set_field"
	opResetResult  opKind = "reset_result"
	opAppendResult opKind = "append_result"
	opSetLayout    opKind = "set_layout"
	opPutDataframe opKind = "put_dataframe"
	opDelDataframe opKind = "del_dataframe"
	opSetMeta      opKind = "set_meta"
)

// Block field names addressable by opSetField.
const (
	fieldSource        = "source"
	fieldName          = "name"
	fieldValue         = "value"
	fieldOptions       = "options"
	fieldSelected      = "selectedValue"
	fieldTitle         = "title"
	fieldStatus        = "status"
	fieldInstructions  = "instructions"
	fieldLastRunSource = "lastRunSource"
	fieldLastRunAt     = "lastRunAt"
)

// Document metadata field names addressable by opSetMeta.
const (
	metaTitle = "title"
	metaDirty = "dirty"
)

// op is one CRDT operation. Updates on the wire are JSON arrays of ops.
type op struct {
	Kind    opKind          `json:"k"`
	BlockID string          `json:"b,omitempty"`
	Field   string          `json:"f,omitempty"`
	Value   json.RawMessage `json:"v,omitempty"`
	Stamp   stamp           `json:"s"`
}

func encodeOps(ops []op) ([]byte, error) {
	return json.Marshal(ops)
}

func decodeOps(data []byte) ([]op, error) {
	var ops []op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode document update: %w", err)
	}
	return ops, nil
}

func rawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All op values are plain structs and strings; marshal cannot fail
		// for them. Keep the panic loud rather than losing a write.
		panic(fmt.Sprintf("document: marshal op value: %v", err))
	}
	return data
}

// =============================================================================
// Block replica state
// =============================================================================

// resultEntry is one stamped output record.
type resultEntry struct {
	Output Output `json:"o"`
	Stamp  stamp  `json:"s"`
}

// blockState is the replicated state of one block. Each independently
// writable field is its own LWW register so that an editor changing source
// text never fights the scheduler writing status.
type blockState struct {
	id      string
	created lww[Variant]
	removed lww[bool]

	source        lww[string]
	name          lww[string]
	value         lww[string]
	options       lww[[]string]
	selected      lww[string]
	title         lww[string]
	status        lww[Status]
	instructions  lww[string]
	lastRunSource lww[string]
	lastRunAt     lww[int64]

	// resultReset stamps the last run start. Appended records older than
	// the reset belong to a previous run and are discarded on merge.
	resultReset stamp
	results     []resultEntry
}

func newBlockState(id string) *blockState {
	return &blockState{id: id}
}

// applyField routes a stamped field write to the matching register.
func (b *blockState) applyField(field string, value json.RawMessage, s stamp) error {
	switch field {
	case fieldSource:
		return applyRaw(&b.source, value, s)
	case fieldName:
		return applyRaw(&b.name, value, s)
	case fieldValue:
		return applyRaw(&b.value, value, s)
	case fieldOptions:
		return applyRaw(&b.options, value, s)
	case fieldSelected:
		return applyRaw(&b.selected, value, s)
	case fieldTitle:
		return applyRaw(&b.title, value, s)
	case fieldStatus:
		return applyRaw(&b.status, value, s)
	case fieldInstructions:
		return applyRaw(&b.instructions, value, s)
	case fieldLastRunSource:
		return applyRaw(&b.lastRunSource, value, s)
	case fieldLastRunAt:
		return applyRaw(&b.lastRunAt, value, s)
	default:
		// Unknown fields come from newer peers; skipping keeps old
		// replicas converging on the fields they do know.
		return nil
	}
}

func applyRaw[T any](reg *lww[T], value json.RawMessage, s stamp) error {
	var v T
	if err := json.Unmarshal(value, &v); err != nil {
		return fmt.Errorf("decode field value: %w", err)
	}
	reg.set(v, s)
	return nil
}

// resetResult clears the result list if the reset stamp is newer than the
// current one, dropping any records from the superseded run.
func (b *blockState) resetResult(s stamp) {
	if !s.newer(b.resultReset) {
		return
	}
	b.resultReset = s
	kept := b.results[:0]
	for _, e := range b.results {
		if e.Stamp.newer(s) {
			kept = append(kept, e)
		}
	}
	b.results = kept
}

// appendResult merges one output record. Records stamped before the current
// reset are stale; duplicate ids are ignored.
func (b *blockState) appendResult(out Output, s stamp) {
	if !s.newer(b.resultReset) {
		return
	}
	for _, e := range b.results {
		if e.Output.ID == out.ID {
			return
		}
	}
	b.results = append(b.results, resultEntry{Output: out, Stamp: s})
	sort.Slice(b.results, func(i, j int) bool {
		return b.results[j].Stamp.newer(b.results[i].Stamp)
	})
}

// materialize builds the read-only Block view.
func (b *blockState) materialize() Block {
	blk := Block{
		ID:            b.id,
		Variant:       b.created.val,
		Status:        b.status.val,
		Source:        b.source.val,
		Name:          b.name.val,
		Value:         b.value.val,
		Options:       b.options.val,
		SelectedValue: b.selected.val,
		Title:         b.title.val,
		Instructions:  b.instructions.val,
		LastRunSource: b.lastRunSource.val,
		LastRunAt:     b.lastRunAt.val,
	}
	if blk.Status == "" {
		blk.Status = StatusIdle
	}
	if len(b.results) > 0 {
		blk.Result = make([]Output, 0, len(b.results))
		for _, e := range b.results {
			blk.Result = append(blk.Result, e.Output)
		}
	}
	return blk
}

// dfVal is the LWW payload for one dataframe entry. Deleted entries stay as
// tombstones so that removal survives merges with stale puts.
type dfVal struct {
	Frame   Dataframe `json:"df"`
	Deleted bool      `json:"deleted,omitempty"`
}
