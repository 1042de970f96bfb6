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
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpdateFunc receives the encoded update produced by a local mutation.
//
// The registry wires this to the relay so every local change reaches the
// other instances holding the document. Handlers run synchronously on the
// mutating goroutine; keep them cheap and hand off to the relay internally.
type UpdateFunc func(update []byte)

// Document is one in-memory CRDT replica of a notebook.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Local mutations and merges of
// remote updates go through the same stamped-write machinery, so the replica
// converges no matter how reads, writes, and merges interleave.
type Document struct {
	key   Key
	actor string

	mu         sync.RWMutex
	clock      uint64
	layout     lww[[]TabGroup]
	blocks     map[string]*blockState
	dataframes map[string]*lww[dfVal]
	title      lww[string]
	dirty      lww[bool]
	updatedAt  int64

	subMu sync.Mutex
	subs  map[int]UpdateFunc
	nextSub int
}

// New creates an empty replica for the given key.
//
// Inputs:
//
//	key - Document identity (id, variant, revision).
//	actor - Stable id of this instance; used to break stamp ties.
//
// Outputs:
//
//	*Document - Empty replica, ready for ApplySnapshot or local mutations.
func New(key Key, actor string) *Document {
	return &Document{
		key:        key,
		actor:      actor,
		blocks:     make(map[string]*blockState),
		dataframes: make(map[string]*lww[dfVal]),
		subs:       make(map[int]UpdateFunc),
	}
}

// Key returns the document identity.
func (d *Document) Key() Key { return d.key }

// OnUpdate registers a handler for locally produced updates and returns an
// unregister function.
func (d *Document) OnUpdate(fn UpdateFunc) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Document) notify(update []byte) {
	d.subMu.Lock()
	fns := make([]UpdateFunc, 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

// nextStamp advances the Lamport clock under d.mu.
func (d *Document) nextStamp() stamp {
	d.clock++
	return stamp{Clock: d.clock, Actor: d.actor}
}

// observe folds a remote stamp into the Lamport clock under d.mu.
func (d *Document) observe(s stamp) {
	if s.Clock > d.clock {
		d.clock = s.Clock
	}
}

// =============================================================================
// Merging
// =============================================================================

// ApplyUpdate merges an encoded update produced by any replica.
//
// # Description
//
// Applies each operation with last-writer-wins semantics. Applying the same
// update twice, or applying updates out of order, yields the same state as
// applying each once in order: the merge is idempotent and commutative, so
// the relay may deliver duplicates and reorderings freely.
//
// Outputs:
//
//	error - Non-nil only for undecodable payloads. Unknown operation kinds
//	and unknown fields are skipped so newer peers stay compatible.
func (d *Document) ApplyUpdate(data []byte) error {
	ops, err := decodeOps(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range ops {
		if err := d.applyOp(&ops[i]); err != nil {
			return fmt.Errorf("apply op %d: %w", i, err)
		}
	}
	d.updatedAt = time.Now().UnixMilli()
	return nil
}

func (d *Document) applyOp(o *op) error {
	d.observe(o.Stamp)
	switch o.Kind {
	case opPutBlock:
		b := d.block(o.BlockID)
		var v Variant
		if err := json.Unmarshal(o.Value, &v); err != nil {
			return fmt.Errorf("decode block variant: %w", err)
		}
		b.created.set(v, o.Stamp)
		b.removed.set(false, o.Stamp)
	case opRemoveBlock:
		b := d.block(o.BlockID)
		b.removed.set(true, o.Stamp)
	case opSetField:
		return d.block(o.BlockID).applyField(o.Field, o.Value, o.Stamp)
	case opResetResult:
		d.block(o.BlockID).resetResult(o.Stamp)
	case opAppendResult:
		var out Output
		if err := json.Unmarshal(o.Value, &out); err != nil {
			return fmt.Errorf("decode output record: %w", err)
		}
		d.block(o.BlockID).appendResult(out, o.Stamp)
	case opSetLayout:
		return applyRaw(&d.layout, o.Value, o.Stamp)
	case opPutDataframe, opDelDataframe:
		var v dfVal
		if err := json.Unmarshal(o.Value, &v); err != nil {
			return fmt.Errorf("decode dataframe: %w", err)
		}
		reg, ok := d.dataframes[v.Frame.Name]
		if !ok {
			reg = &lww[dfVal]{}
			d.dataframes[v.Frame.Name] = reg
		}
		reg.set(v, o.Stamp)
	case opSetMeta:
		switch o.Field {
		case metaTitle:
			return applyRaw(&d.title, o.Value, o.Stamp)
		case metaDirty:
			return applyRaw(&d.dirty, o.Value, o.Stamp)
		}
	default:
		// Unknown op kinds from newer peers are skipped, not errors.
	}
	return nil
}

// block returns the state for id, creating an empty shell if needed so that
// field writes arriving before the put still merge.
func (d *Document) block(id string) *blockState {
	b, ok := d.blocks[id]
	if !ok {
		b = newBlockState(id)
		d.blocks[id] = b
	}
	return b
}

// mutate runs fn under the write lock, encodes the ops it returns, applies
// nothing further (fn already applied them), and broadcasts the update.
func (d *Document) mutate(fn func() []op) ([]byte, error) {
	d.mu.Lock()
	ops := fn()
	d.updatedAt = time.Now().UnixMilli()
	d.mu.Unlock()
	if len(ops) == 0 {
		return nil, nil
	}
	update, err := encodeOps(ops)
	if err != nil {
		return nil, err
	}
	d.notify(update)
	return update, nil
}

// =============================================================================
// Local mutations
// =============================================================================

// AddBlock creates a block and appends its reference to the given tab group,
// creating the group if it does not exist yet.
func (d *Document) AddBlock(blk Block, groupID string) ([]byte, error) {
	return d.mutate(func() []op {
		ops := make([]op, 0, 8)
		s := d.nextStamp()
		b := d.block(blk.ID)
		b.created.set(blk.Variant, s)
		b.removed.set(false, s)
		ops = append(ops, op{Kind: opPutBlock, BlockID: blk.ID, Value: rawJSON(blk.Variant), Stamp: s})

		set := func(field string, v any) {
			fs := d.nextStamp()
			// applyField cannot fail for values we just marshalled.
			_ = b.applyField(field, rawJSON(v), fs)
			ops = append(ops, op{Kind: opSetField, BlockID: blk.ID, Field: field, Value: rawJSON(v), Stamp: fs})
		}
		if blk.Source != "" {
			set(fieldSource, blk.Source)
		}
		if blk.Name != "" {
			set(fieldName, blk.Name)
		}
		if blk.Value != "" {
			set(fieldValue, blk.Value)
		}
		if len(blk.Options) > 0 {
			set(fieldOptions, blk.Options)
		}
		if blk.SelectedValue != "" {
			set(fieldSelected, blk.SelectedValue)
		}
		if blk.Title != "" {
			set(fieldTitle, blk.Title)
		}
		set(fieldStatus, StatusIdle)

		layout := cloneLayout(d.layout.val)
		gi := -1
		for i := range layout {
			if layout[i].ID == groupID {
				gi = i
				break
			}
		}
		if gi < 0 {
			layout = append(layout, TabGroup{ID: groupID})
			gi = len(layout) - 1
		}
		layout[gi].BlockIDs = append(layout[gi].BlockIDs, blk.ID)
		ls := d.nextStamp()
		d.layout.set(layout, ls)
		ops = append(ops, op{Kind: opSetLayout, Value: rawJSON(layout), Stamp: ls})
		return ops
	})
}

// RemoveBlock tombstones a block and drops its layout references.
func (d *Document) RemoveBlock(blockID string) ([]byte, error) {
	return d.mutate(func() []op {
		s := d.nextStamp()
		d.block(blockID).removed.set(true, s)
		ops := []op{{Kind: opRemoveBlock, BlockID: blockID, Stamp: s}}

		layout := cloneLayout(d.layout.val)
		changed := false
		for i := range layout {
			ids := layout[i].BlockIDs[:0]
			for _, id := range layout[i].BlockIDs {
				if id == blockID {
					changed = true
					continue
				}
				ids = append(ids, id)
			}
			layout[i].BlockIDs = ids
		}
		if changed {
			ls := d.nextStamp()
			d.layout.set(layout, ls)
			ops = append(ops, op{Kind: opSetLayout, Value: rawJSON(layout), Stamp: ls})
		}
		return ops
	})
}

// SetLayout replaces the whole layout.
func (d *Document) SetLayout(layout []TabGroup) ([]byte, error) {
	return d.mutate(func() []op {
		s := d.nextStamp()
		d.layout.set(cloneLayout(layout), s)
		return []op{{Kind: opSetLayout, Value: rawJSON(layout), Stamp: s}}
	})
}

func (d *Document) setField(blockID, field string, v any) ([]byte, error) {
	return d.mutate(func() []op {
		s := d.nextStamp()
		_ = d.block(blockID).applyField(field, rawJSON(v), s)
		return []op{{Kind: opSetField, BlockID: blockID, Field: field, Value: rawJSON(v), Stamp: s}}
	})
}

// SetSource replaces a block's editable source text.
func (d *Document) SetSource(blockID, source string) ([]byte, error) {
	return d.setField(blockID, fieldSource, source)
}

// SetStatus moves a block through the idle/queued/running/error lifecycle.
func (d *Document) SetStatus(blockID string, status Status) ([]byte, error) {
	return d.setField(blockID, fieldStatus, status)
}

// SetInstructions records the AI edit instructions for a block.
func (d *Document) SetInstructions(blockID, instructions string) ([]byte, error) {
	return d.setField(blockID, fieldInstructions, instructions)
}

// SetInputValue sets the current value of a text or date input block.
func (d *Document) SetInputValue(blockID, value string) ([]byte, error) {
	return d.setField(blockID, fieldValue, value)
}

// StampLastRun records the source and time of the run that just finished.
func (d *Document) StampLastRun(blockID, source string, at int64) ([]byte, error) {
	return d.mutate(func() []op {
		b := d.block(blockID)
		s1 := d.nextStamp()
		_ = b.applyField(fieldLastRunSource, rawJSON(source), s1)
		s2 := d.nextStamp()
		_ = b.applyField(fieldLastRunAt, rawJSON(at), s2)
		return []op{
			{Kind: opSetField, BlockID: blockID, Field: fieldLastRunSource, Value: rawJSON(source), Stamp: s1},
			{Kind: opSetField, BlockID: blockID, Field: fieldLastRunAt, Value: rawJSON(at), Stamp: s2},
		}
	})
}

// ResetResult clears a block's result list at run start.
func (d *Document) ResetResult(blockID string) ([]byte, error) {
	return d.mutate(func() []op {
		s := d.nextStamp()
		d.block(blockID).resetResult(s)
		return []op{{Kind: opResetResult, BlockID: blockID, Stamp: s}}
	})
}

// AppendResult appends one output record to a block's result list. A missing
// record id is filled in so merges stay idempotent.
func (d *Document) AppendResult(blockID string, out Output) ([]byte, error) {
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	return d.mutate(func() []op {
		s := d.nextStamp()
		d.block(blockID).appendResult(out, s)
		return []op{{Kind: opAppendResult, BlockID: blockID, Value: rawJSON(out), Stamp: s}}
	})
}

// PutDataframe adds or updates a derived dataframe entry.
func (d *Document) PutDataframe(df Dataframe) ([]byte, error) {
	return d.mutate(func() []op {
		s := d.nextStamp()
		v := dfVal{Frame: df}
		reg, ok := d.dataframes[df.Name]
		if !ok {
			reg = &lww[dfVal]{}
			d.dataframes[df.Name] = reg
		}
		reg.set(v, s)
		return []op{{Kind: opPutDataframe, Value: rawJSON(v), Stamp: s}}
	})
}

// RemoveDataframe tombstones a derived dataframe entry.
func (d *Document) RemoveDataframe(name string) ([]byte, error) {
	return d.mutate(func() []op {
		reg, ok := d.dataframes[name]
		if !ok {
			return nil
		}
		s := d.nextStamp()
		v := dfVal{Frame: Dataframe{Name: name, BlockID: reg.val.Frame.BlockID}, Deleted: true}
		reg.set(v, s)
		return []op{{Kind: opDelDataframe, Value: rawJSON(v), Stamp: s}}
	})
}

// SetTitle sets the document title.
func (d *Document) SetTitle(title string) ([]byte, error) {
	return d.mutate(func() []op {
		s := d.nextStamp()
		d.title.set(title, s)
		return []op{{Kind: opSetMeta, Field: metaTitle, Value: rawJSON(title), Stamp: s}}
	})
}

// SetDirty flips the dirty metadata flag.
func (d *Document) SetDirty(dirty bool) ([]byte, error) {
	return d.mutate(func() []op {
		s := d.nextStamp()
		d.dirty.set(dirty, s)
		return []op{{Kind: opSetMeta, Field: metaDirty, Value: rawJSON(dirty), Stamp: s}}
	})
}

// =============================================================================
// Reads
// =============================================================================

// Block returns the materialized view of one block.
func (d *Document) Block(id string) (Block, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.blocks[id]
	if !ok || b.removed.val {
		return Block{}, false
	}
	return b.materialize(), true
}

// Has reports whether the block exists and is not removed.
func (d *Document) Has(id string) bool {
	_, ok := d.Block(id)
	return ok
}

// Layout returns a copy of the current tab-group layout.
func (d *Document) Layout() []TabGroup {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneLayout(d.layout.val)
}

// OrderedBlocks traverses the layout in order and resolves each referenced
// block. Dangling references are skipped, never errors.
func (d *Document) OrderedBlocks() []Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Block
	for _, g := range d.layout.val {
		for _, id := range g.BlockIDs {
			b, ok := d.blocks[id]
			if !ok || b.removed.val {
				continue
			}
			out = append(out, b.materialize())
		}
	}
	return out
}

// Dataframes returns the live (non-tombstoned) dataframe entries.
func (d *Document) Dataframes() map[string]Dataframe {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Dataframe, len(d.dataframes))
	for name, reg := range d.dataframes {
		if reg.val.Deleted {
			continue
		}
		out[name] = reg.val.Frame
	}
	return out
}

// Title returns the document title.
func (d *Document) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.title.val
}

// Dirty reports the dirty metadata flag.
func (d *Document) Dirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirty.val
}

// UpdatedAt returns the last local-merge wall time in Unix milliseconds.
func (d *Document) UpdatedAt() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updatedAt
}

// Clock returns the current Lamport clock, chiefly for tests and logging.
func (d *Document) Clock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock
}

// =============================================================================
// Snapshots
// =============================================================================

// EncodeSnapshot serializes the full replica state as one update payload.
//
// A snapshot is just the set of stamped writes that produce the current
// state, so hydrating a replica is ApplyUpdate of the snapshot and merging
// two snapshots needs no special casing.
func (d *Document) EncodeSnapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ops []op
	ops = append(ops, op{Kind: opSetLayout, Value: rawJSON(d.layout.val), Stamp: d.layout.stamp})
	ops = append(ops, op{Kind: opSetMeta, Field: metaTitle, Value: rawJSON(d.title.val), Stamp: d.title.stamp})
	ops = append(ops, op{Kind: opSetMeta, Field: metaDirty, Value: rawJSON(d.dirty.val), Stamp: d.dirty.stamp})

	ids := make([]string, 0, len(d.blocks))
	for id := range d.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := d.blocks[id]
		if b.removed.val {
			ops = append(ops, op{Kind: opRemoveBlock, BlockID: id, Stamp: b.removed.stamp})
			continue
		}
		ops = append(ops, op{Kind: opPutBlock, BlockID: id, Value: rawJSON(b.created.val), Stamp: b.created.stamp})
		field := func(name string, v any, s stamp) {
			if s.Clock == 0 {
				return
			}
			ops = append(ops, op{Kind: opSetField, BlockID: id, Field: name, Value: rawJSON(v), Stamp: s})
		}
		field(fieldSource, b.source.val, b.source.stamp)
		field(fieldName, b.name.val, b.name.stamp)
		field(fieldValue, b.value.val, b.value.stamp)
		field(fieldOptions, b.options.val, b.options.stamp)
		field(fieldSelected, b.selected.val, b.selected.stamp)
		field(fieldTitle, b.title.val, b.title.stamp)
		field(fieldStatus, b.status.val, b.status.stamp)
		field(fieldInstructions, b.instructions.val, b.instructions.stamp)
		field(fieldLastRunSource, b.lastRunSource.val, b.lastRunSource.stamp)
		field(fieldLastRunAt, b.lastRunAt.val, b.lastRunAt.stamp)
		if b.resultReset.Clock > 0 {
			ops = append(ops, op{Kind: opResetResult, BlockID: id, Stamp: b.resultReset})
		}
		for _, e := range b.results {
			ops = append(ops, op{Kind: opAppendResult, BlockID: id, Value: rawJSON(e.Output), Stamp: e.Stamp})
		}
	}

	names := make([]string, 0, len(d.dataframes))
	for name := range d.dataframes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reg := d.dataframes[name]
		kind := opPutDataframe
		if reg.val.Deleted {
			kind = opDelDataframe
		}
		ops = append(ops, op{Kind: kind, Value: rawJSON(reg.val), Stamp: reg.stamp})
	}

	return encodeOps(ops)
}

func cloneLayout(layout []TabGroup) []TabGroup {
	out := make([]TabGroup, len(layout))
	for i, g := range layout {
		out[i] = TabGroup{ID: g.ID, BlockIDs: append([]string(nil), g.BlockIDs...)}
	}
	return out
}
