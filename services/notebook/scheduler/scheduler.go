// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler runs blocks of one document strictly one at a time.
//
// One Scheduler exists per open document. Run requests queue FIFO behind a
// single execution slot, so within a document cell execution is sequential
// and deterministic, while distinct documents execute fully in parallel.
// The scheduler is the sole writer of block status, block results, and the
// derived dataframes map for the blocks it runs.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/sitka/services/notebook/convert"
	"github.com/AleutianAI/sitka/services/notebook/document"
	"github.com/AleutianAI/sitka/services/notebook/events"
	"github.com/AleutianAI/sitka/services/notebook/telemetry"
)

// ErrInvalidState is returned when a run is requested for a block that is
// not part of the document's current block map.
var ErrInvalidState = errors.New("block is not part of this document")

// ErrBlockBusy is returned when a run is requested for a block that already
// has a tracked execution.
var ErrBlockBusy = errors.New("block already has a tracked execution")

// ErrClosed is returned when the scheduler has been torn down.
var ErrClosed = errors.New("scheduler is closed")

// Handle is one started remote execution.
type Handle interface {
	// Wait blocks until the execution is terminal and returns its outputs.
	// Cancellation surfaces as context.Canceled.
	Wait(ctx context.Context) ([]document.Output, error)

	// Cancel best-effort stops the remote work. The hook owns its own
	// timeout; the scheduler awaits it but never blocks indefinitely.
	Cancel(ctx context.Context) error
}

// Runner starts remote executions for cut scripts.
type Runner interface {
	Start(ctx context.Context, script convert.Script, documentID, blockID string) (Handle, error)
}

// queueCapacity bounds the per-document run queue.
const queueCapacity = 64

type task struct {
	blockID    string
	suggestion bool

	// token is the cancel token created at Run time; Abort signals it.
	token  context.Context
	cancel context.CancelFunc

	done chan struct{}
	err  error
}

// execution tracks one queued-or-running task so Abort can find it.
type execution struct {
	task *task

	mu     sync.Mutex
	handle Handle
}

func (e *execution) setHandle(h Handle) {
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
}

func (e *execution) getHandle() Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// Scheduler owns the execution queue of one document.
//
// Thread Safety: safe for concurrent use.
type Scheduler struct {
	doc     *document.Document
	runner  Runner
	emitter *events.Emitter
	logger  *slog.Logger

	mu      sync.Mutex
	tracked map[string]*execution
	closed  bool

	tasks  chan *task
	stop   context.CancelFunc
	parked sync.WaitGroup
}

// New creates a scheduler for doc and starts its worker. The emitter may be
// nil when no one listens for lifecycle events.
func New(doc *document.Document, runner Runner, emitter *events.Emitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		doc:     doc,
		runner:  runner,
		emitter: emitter,
		logger:  logger.With("document_id", doc.Key().DocumentID),
		tracked: make(map[string]*execution),
		tasks:   make(chan *task, queueCapacity),
		stop:    stop,
	}
	s.parked.Add(1)
	go s.worker(ctx)
	return s
}

// Run executes the block sequence up to and including blockID.
//
// Description:
//
//	The block's result is cleared and its status moves to queued. Once the
//	single execution slot admits the task, status becomes running, the
//	current ordered block sequence is converted and cut at the block, and
//	the runner executes it. On success outputs are appended, derived
//	dataframes are reconciled, status returns to idle, and the last-run
//	source and timestamp are stamped. Remote failure is captured into the
//	block's own result with status error. Cancellation resolves Run
//	without error.
//
// Outputs:
//
//	error - ErrInvalidState when the block is not in the document,
//	ErrBlockBusy when it already has a tracked execution, nil on
//	completion or cancellation.
func (s *Scheduler) Run(ctx context.Context, blockID string, isSuggestionRun bool) error {
	if !s.doc.Has(blockID) {
		return ErrInvalidState
	}

	token, cancel := context.WithCancel(context.Background())
	t := &task{
		blockID:    blockID,
		suggestion: isSuggestionRun,
		token:      token,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if _, busy := s.tracked[blockID]; busy {
		s.mu.Unlock()
		cancel()
		return ErrBlockBusy
	}
	s.tracked[blockID] = &execution{task: t}
	s.mu.Unlock()

	if _, err := s.doc.ResetResult(blockID); err != nil {
		s.untrack(blockID)
		cancel()
		return err
	}
	if _, err := s.doc.SetStatus(blockID, document.StatusQueued); err != nil {
		s.untrack(blockID)
		cancel()
		return err
	}

	select {
	case s.tasks <- t:
	case <-ctx.Done():
		s.untrack(blockID)
		cancel()
		_, _ = s.doc.SetStatus(blockID, document.StatusIdle)
		return ctx.Err()
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		// Caller gave up: signal the token and still wait for the worker
		// to settle the block's state.
		t.cancel()
		<-t.done
	}
	return t.err
}

// Abort cancels the tracked execution for blockID.
//
// With no tracked execution this idempotently resets status to idle.
// Otherwise the cancel token is signalled, the bridge-supplied cancel hook
// awaited, and the tracking entry removed before Abort returns.
func (s *Scheduler) Abort(ctx context.Context, blockID string) error {
	s.mu.Lock()
	exec, ok := s.tracked[blockID]
	s.mu.Unlock()

	if !ok {
		if s.doc.Has(blockID) {
			_, err := s.doc.SetStatus(blockID, document.StatusIdle)
			return err
		}
		return nil
	}

	exec.task.cancel()
	h := exec.getHandle()
	if h == nil {
		// Still queued behind the execution slot: no remote job exists.
		// Settle the visible status now; the worker discards the task on
		// admission.
		_, _ = s.doc.SetStatus(blockID, document.StatusIdle)
		return nil
	}
	if err := h.Cancel(ctx); err != nil {
		s.logger.Warn("remote cancel hook failed",
			"block_id", blockID,
			"error", err,
		)
	}

	select {
	case <-exec.task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsIdle reports whether the queue has no pending or active work. Callers
// use it to decide whether the document can be evicted.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked) == 0
}

// Close tears the scheduler down. Queued tasks are cancelled; Close does
// not wait for an in-flight remote job to stop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, exec := range s.tracked {
		exec.task.cancel()
	}
	s.mu.Unlock()
	s.stop()
	s.parked.Wait()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker(ctx context.Context) {
	defer s.parked.Done()
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case t := <-s.tasks:
			s.execute(t)
		}
	}
}

// drain settles tasks still queued at shutdown so their Run callers return.
func (s *Scheduler) drain() {
	for {
		select {
		case t := <-s.tasks:
			t.err = ErrClosed
			s.finish(t)
		default:
			return
		}
	}
}

// finish removes tracking and releases the Run caller.
func (s *Scheduler) finish(t *task) {
	s.untrack(t.blockID)
	t.cancel()
	close(t.done)
}

func (s *Scheduler) untrack(blockID string) {
	s.mu.Lock()
	delete(s.tracked, blockID)
	s.mu.Unlock()
}

func (s *Scheduler) execute(t *task) {
	defer s.finish(t)

	// Aborted while queued: settle to idle, never create a remote job.
	if t.token.Err() != nil {
		_, _ = s.doc.SetStatus(t.blockID, document.StatusIdle)
		telemetry.ExecutionsCancelled.Inc()
		s.emitFinished(t, "cancelled")
		return
	}

	blk, ok := s.doc.Block(t.blockID)
	if !ok {
		// Removed between queue and admission; nothing to run.
		_, _ = s.doc.SetStatus(t.blockID, document.StatusIdle)
		return
	}

	if _, err := s.doc.SetStatus(t.blockID, document.StatusRunning); err != nil {
		t.err = err
		return
	}
	telemetry.ExecutionsStarted.Inc()
	if s.emitter != nil {
		s.emitter.Emit(events.TypeExecutionStarted, events.ExecutionData{
			DocumentID: s.doc.Key().DocumentID,
			BlockID:    t.blockID,
			Suggestion: t.suggestion,
		})
	}
	started := time.Now()

	script, ok := convert.Cut(convert.Convert(s.doc.OrderedBlocks()), t.blockID)
	if !ok {
		// The block exists but fell out of the layout; treat like removal.
		_, _ = s.doc.SetStatus(t.blockID, document.StatusIdle)
		return
	}

	handle, err := s.runner.Start(t.token, script, s.doc.Key().DocumentID, t.blockID)
	if err != nil {
		if t.token.Err() != nil {
			s.settleCancelled(t)
			return
		}
		s.settleFailed(t, err)
		return
	}

	s.withExecution(t.blockID, func(exec *execution) { exec.setHandle(handle) })

	// Abort may have raced the start; make sure the remote job is told.
	if t.token.Err() != nil {
		_ = handle.Cancel(context.Background())
	}

	outs, err := handle.Wait(t.token)
	switch {
	case errors.Is(err, context.Canceled):
		s.settleCancelled(t)
	case err != nil:
		s.settleFailed(t, err)
	default:
		s.settleSucceeded(t, blk, outs, started)
	}
}

func (s *Scheduler) withExecution(blockID string, fn func(*execution)) {
	s.mu.Lock()
	exec := s.tracked[blockID]
	s.mu.Unlock()
	if exec != nil {
		fn(exec)
	}
}

func (s *Scheduler) settleCancelled(t *task) {
	_, _ = s.doc.SetStatus(t.blockID, document.StatusIdle)
	telemetry.ExecutionsCancelled.Inc()
	s.emitFinished(t, "cancelled")
}

// settleFailed captures the remote failure into the block's own result so
// the document state itself carries the failure to every replica.
func (s *Scheduler) settleFailed(t *task, execErr error) {
	s.logger.Warn("block execution failed",
		"block_id", t.blockID,
		"error", execErr,
	)
	_, _ = s.doc.AppendResult(t.blockID, document.Output{
		Kind: "error",
		Data: execErr.Error(),
	})
	_, _ = s.doc.SetStatus(t.blockID, document.StatusError)
	telemetry.ExecutionsFailed.Inc()
	s.emitFinished(t, "error")
}

func (s *Scheduler) settleSucceeded(t *task, blk document.Block, outs []document.Output, started time.Time) {
	for _, out := range outs {
		_, _ = s.doc.AppendResult(t.blockID, out)
	}
	s.reconcileDataframes(t.blockID, outs)
	_, _ = s.doc.SetStatus(t.blockID, document.StatusIdle)
	_, _ = s.doc.StampLastRun(t.blockID, blk.Source, time.Now().UnixMilli())
	telemetry.ExecutionDuration.Observe(time.Since(started).Seconds())
	s.emitFinished(t, "success")
}

// reconcileDataframes applies the run's dataframe records to the document's
// derived map, scoped to the block that ran: frames it produced are added
// or refreshed, frames it previously produced but no longer does are
// removed. Frames owned by other blocks are never touched.
func (s *Scheduler) reconcileDataframes(blockID string, outs []document.Output) {
	produced := make(map[string]bool)
	now := time.Now().UnixMilli()
	for _, out := range outs {
		if out.Kind != "dataframe" || out.Data == "" {
			continue
		}
		produced[out.Data] = true
		_, _ = s.doc.PutDataframe(document.Dataframe{
			Name:      out.Data,
			BlockID:   blockID,
			UpdatedAt: now,
		})
	}
	for name, df := range s.doc.Dataframes() {
		if df.BlockID == blockID && !produced[name] {
			_, _ = s.doc.RemoveDataframe(name)
		}
	}
}

func (s *Scheduler) emitFinished(t *task, outcome string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.TypeExecutionFinished, events.ExecutionData{
		DocumentID: s.doc.Key().DocumentID,
		BlockID:    t.blockID,
		Outcome:    outcome,
		Suggestion: t.suggestion,
	})
}
