// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/sitka/services/notebook/payload"
	"github.com/AleutianAI/sitka/services/notebook/telemetry"
)

// SweeperConfig holds configuration for the payload TTL sweeper.
type SweeperConfig struct {
	// Interval is how often a sweep cycle runs. Default: 1 minute.
	Interval time.Duration

	// TTL is how long payload records are kept. Default: 24 hours.
	TTL time.Duration

	// BatchSize caps deletions per batch within a cycle. Default: 1000.
	BatchSize int
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Minute,
		TTL:       24 * time.Hour,
		BatchSize: 1000,
	}
}

// Sweeper deletes expired payload records in the background.
//
// # Description
//
// Every Interval the sweeper deletes records older than TTL in batches of
// BatchSize until a batch deletes zero rows, then waits for the next tick.
// Uses the ticker + done channel pattern for graceful shutdown: Stop()
// stops new ticks and waits for an in-flight batch loop to finish.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Sweeper struct {
	store  *payload.Store
	config SweeperConfig
	now    func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewSweeper creates a sweeper over the given payload store.
func NewSweeper(store *payload.Store, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	if config.TTL <= 0 {
		config.TTL = DefaultSweeperConfig().TTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSweeperConfig().BatchSize
	}
	return &Sweeper{store: store, config: config, now: time.Now}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("payload sweeper starting",
		"interval", s.config.Interval.String(),
		"ttl", s.config.TTL.String(),
		"batch_size", s.config.BatchSize,
	)
	go s.runLoop(ctx)
	return nil
}

// Stop halts the sweeper and waits for the in-flight cycle to complete.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()
	<-stopped
}

// RunNow performs one sweep cycle immediately and returns the number of
// records deleted. Useful for manual invocation and tests.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	return s.sweep(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("payload sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("payload sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			deleted, err := s.sweep(ctx)
			if err != nil {
				slog.Error("payload sweep cycle failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("payload sweep cycle completed", "deleted", deleted)
			} else {
				slog.Debug("payload sweep cycle completed (nothing expired)")
			}
		}
	}
}

// sweep deletes expired batches until one comes back empty.
func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.TTL)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.DeleteOlderThan(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
		telemetry.PayloadGCDeleted.Add(float64(n))
	}
}
