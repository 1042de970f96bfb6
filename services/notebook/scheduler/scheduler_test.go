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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sitka/services/notebook/convert"
	"github.com/AleutianAI/sitka/services/notebook/document"
	"github.com/AleutianAI/sitka/services/notebook/events"
)

// fakeHandle is a scripted remote execution.
type fakeHandle struct {
	outs      []document.Output
	err       error
	gate      chan struct{} // when non-nil, Wait blocks until closed
	cancelled atomic.Bool
}

func (h *fakeHandle) Wait(ctx context.Context) ([]document.Output, error) {
	if h.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.gate:
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return h.outs, h.err
}

func (h *fakeHandle) Cancel(ctx context.Context) error {
	h.cancelled.Store(true)
	if h.gate != nil {
		select {
		case <-h.gate:
		default:
			close(h.gate)
		}
	}
	return nil
}

type startRecord struct {
	blockID string
	script  convert.Script
}

type fakeRunner struct {
	mu      sync.Mutex
	starts  []startRecord
	handles map[string]*fakeHandle
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handles: make(map[string]*fakeHandle)}
}

func (r *fakeRunner) Start(_ context.Context, script convert.Script, _, blockID string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, startRecord{blockID: blockID, script: script})
	h, ok := r.handles[blockID]
	if !ok {
		h = &fakeHandle{}
		r.handles[blockID] = h
	}
	return h, nil
}

func (r *fakeRunner) startCount(blockID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.starts {
		if s.blockID == blockID {
			n++
		}
	}
	return n
}

func newTestDoc(t *testing.T) *document.Document {
	t.Helper()
	doc := document.New(document.Key{DocumentID: "doc-1"}, "actor-1")
	_, err := doc.AddBlock(document.Block{ID: "a", Variant: document.VariantCode, Source: "x = 1"}, "g1")
	require.NoError(t, err)
	_, err = doc.AddBlock(document.Block{ID: "b", Variant: document.VariantQuery, Source: "select 1", Name: "df"}, "g1")
	require.NoError(t, err)
	return doc
}

func newTestScheduler(t *testing.T, doc *document.Document, runner Runner) *Scheduler {
	t.Helper()
	s := New(doc, runner, nil, nil)
	t.Cleanup(s.Close)
	return s
}

func TestScheduler_RunUpToBlockPopulatesDataframe(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	runner.handles["b"] = &fakeHandle{outs: []document.Output{
		{Kind: "stdout", Data: "1 row\n"},
		{Kind: "dataframe", Data: "df"},
	}}
	s := newTestScheduler(t, doc, runner)

	require.NoError(t, s.Run(context.Background(), "b", false))

	// The cut script covers A then B, ending at B.
	require.Len(t, runner.starts, 1)
	units := runner.starts[0].script.Units
	require.Len(t, units, 2)
	assert.Equal(t, "a", units[0].BlockID)
	assert.Equal(t, "b", units[1].BlockID)

	b, ok := doc.Block("b")
	require.True(t, ok)
	assert.Equal(t, document.StatusIdle, b.Status)
	assert.Equal(t, "select 1", b.LastRunSource)
	assert.NotZero(t, b.LastRunAt)
	require.Len(t, b.Result, 2)

	frames := doc.Dataframes()
	require.Contains(t, frames, "df")
	assert.Equal(t, "b", frames["df"].BlockID)

	a, _ := doc.Block("a")
	assert.Equal(t, document.StatusIdle, a.Status)
	assert.Zero(t, a.LastRunAt)
}

func TestScheduler_RunUnknownBlockIsInvalidState(t *testing.T) {
	s := newTestScheduler(t, newTestDoc(t), newFakeRunner())
	err := s.Run(context.Background(), "missing", false)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestScheduler_NeverTwoRunning(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	gateA := make(chan struct{})
	runner.handles["a"] = &fakeHandle{gate: gateA}
	runner.handles["b"] = &fakeHandle{}
	s := newTestScheduler(t, doc, runner)

	errA := make(chan error, 1)
	go func() { errA <- s.Run(context.Background(), "a", false) }()

	// Wait until A holds the execution slot.
	require.Eventually(t, func() bool {
		blk, _ := doc.Block("a")
		return blk.Status == document.StatusRunning
	}, time.Second, time.Millisecond)

	errB := make(chan error, 1)
	go func() { errB <- s.Run(context.Background(), "b", false) }()

	// B stays queued the whole time A is running.
	require.Eventually(t, func() bool {
		blk, _ := doc.Block("b")
		return blk.Status == document.StatusQueued
	}, time.Second, time.Millisecond)
	blk, _ := doc.Block("b")
	assert.Equal(t, document.StatusQueued, blk.Status)
	assert.Equal(t, 0, runner.startCount("b"))

	close(gateA)
	require.NoError(t, <-errA)
	require.NoError(t, <-errB)

	for _, id := range []string{"a", "b"} {
		blk, _ := doc.Block(id)
		assert.Equal(t, document.StatusIdle, blk.Status, id)
	}
}

func TestScheduler_AbortBeforeAdmission(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	gateA := make(chan struct{})
	runner.handles["a"] = &fakeHandle{gate: gateA}
	s := newTestScheduler(t, doc, runner)

	errA := make(chan error, 1)
	go func() { errA <- s.Run(context.Background(), "a", false) }()
	require.Eventually(t, func() bool {
		blk, _ := doc.Block("a")
		return blk.Status == document.StatusRunning
	}, time.Second, time.Millisecond)

	errB := make(chan error, 1)
	go func() { errB <- s.Run(context.Background(), "b", false) }()
	require.Eventually(t, func() bool {
		blk, _ := doc.Block("b")
		return blk.Status == document.StatusQueued
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Abort(context.Background(), "b"))
	close(gateA)
	require.NoError(t, <-errA)
	require.NoError(t, <-errB)

	b, _ := doc.Block("b")
	assert.Equal(t, document.StatusIdle, b.Status)
	assert.Empty(t, b.Result)
	// No remote job was ever created for B.
	assert.Equal(t, 0, runner.startCount("b"))
}

func TestScheduler_AbortUntrackedResetsToIdle(t *testing.T) {
	doc := newTestDoc(t)
	s := newTestScheduler(t, doc, newFakeRunner())

	require.NoError(t, s.Abort(context.Background(), "a"))
	a, _ := doc.Block("a")
	assert.Equal(t, document.StatusIdle, a.Status)
	assert.True(t, s.IsIdle())
}

func TestScheduler_AbortRunningInvokesCancelHook(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	h := &fakeHandle{gate: make(chan struct{})}
	runner.handles["a"] = h
	s := newTestScheduler(t, doc, runner)

	errA := make(chan error, 1)
	go func() { errA <- s.Run(context.Background(), "a", false) }()
	require.Eventually(t, func() bool {
		blk, _ := doc.Block("a")
		return blk.Status == document.StatusRunning
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Abort(context.Background(), "a"))
	// Cancellation is not a failure.
	require.NoError(t, <-errA)
	assert.True(t, h.cancelled.Load())

	a, _ := doc.Block("a")
	assert.Equal(t, document.StatusIdle, a.Status)
	assert.True(t, s.IsIdle())
}

func TestScheduler_RemoteFailureBecomesErrorResult(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	runner.handles["a"] = &fakeHandle{err: errors.New("NameError: y is not defined")}
	s := newTestScheduler(t, doc, runner)

	// Remote failure is captured into the block, not returned.
	require.NoError(t, s.Run(context.Background(), "a", false))

	a, _ := doc.Block("a")
	assert.Equal(t, document.StatusError, a.Status)
	require.Len(t, a.Result, 1)
	assert.Equal(t, "error", a.Result[0].Kind)
	assert.Contains(t, a.Result[0].Data, "NameError")
}

func TestScheduler_RerunReconcilesDataframes(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	runner.handles["b"] = &fakeHandle{outs: []document.Output{{Kind: "dataframe", Data: "df"}}}
	s := newTestScheduler(t, doc, runner)

	require.NoError(t, s.Run(context.Background(), "b", false))
	require.Contains(t, doc.Dataframes(), "df")

	// Second run yields a different frame; the stale one is removed.
	runner.mu.Lock()
	runner.handles["b"] = &fakeHandle{outs: []document.Output{{Kind: "dataframe", Data: "df2"}}}
	runner.mu.Unlock()

	require.NoError(t, s.Run(context.Background(), "b", false))
	frames := doc.Dataframes()
	assert.NotContains(t, frames, "df")
	assert.Contains(t, frames, "df2")
}

func TestScheduler_DuplicateRunIsRejected(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	runner.handles["a"] = &fakeHandle{gate: make(chan struct{})}
	s := newTestScheduler(t, doc, runner)

	errA := make(chan error, 1)
	go func() { errA <- s.Run(context.Background(), "a", false) }()
	require.Eventually(t, func() bool {
		blk, _ := doc.Block("a")
		return blk.Status == document.StatusRunning
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, s.Run(context.Background(), "a", false), ErrBlockBusy)
	require.NoError(t, s.Abort(context.Background(), "a"))
	require.NoError(t, <-errA)
}

func TestScheduler_EmitsLifecycleEvents(t *testing.T) {
	doc := newTestDoc(t)
	runner := newFakeRunner()
	emitter := events.NewEmitter()

	var mu sync.Mutex
	var seen []events.Type
	emitter.Subscribe(func(ev *events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	}, events.TypeExecutionStarted, events.TypeExecutionFinished)

	s := New(doc, runner, emitter, nil)
	t.Cleanup(s.Close)

	require.NoError(t, s.Run(context.Background(), "a", false))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, events.TypeExecutionStarted, seen[0])
	assert.Equal(t, events.TypeExecutionFinished, seen[1])
}

func TestArena_PerDocumentSchedulers(t *testing.T) {
	runner := newFakeRunner()
	arena := NewArena(runner, nil, nil)
	t.Cleanup(arena.Close)

	doc1 := document.New(document.Key{DocumentID: "d1"}, "actor")
	doc2 := document.New(document.Key{DocumentID: "d2"}, "actor")

	s1 := arena.For(doc1)
	assert.Same(t, s1, arena.For(doc1))
	s2 := arena.For(doc2)
	assert.NotSame(t, s1, s2)

	got, ok := arena.Get("d1")
	require.True(t, ok)
	assert.Same(t, s1, got)

	arena.Teardown("d1")
	_, ok = arena.Get("d1")
	assert.False(t, ok)
}
