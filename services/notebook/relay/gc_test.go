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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sitka/services/notebook/payload"
	"github.com/AleutianAI/sitka/services/notebook/storage/badger"
)

func TestSweeper_DeletesExpiredInBatches(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := payload.NewStore(db, payload.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := store.Save(ctx, []byte("expired"))
		require.NoError(t, err)
		now = now.Add(time.Second)
	}

	now = now.Add(48 * time.Hour)
	freshID, err := store.Save(ctx, []byte("fresh"))
	require.NoError(t, err)

	sweeper := NewSweeper(store, SweeperConfig{
		Interval:  time.Minute,
		TTL:       24 * time.Hour,
		BatchSize: 3, // force multiple batches within one cycle
	})
	sweeper.now = func() time.Time { return now }

	deleted, err := sweeper.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, deleted)

	_, err = store.Load(ctx, freshID)
	require.NoError(t, err, "fresh record must survive the sweep")

	deleted, err = sweeper.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestSweeper_StartStop(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := payload.NewStore(db)

	sweeper := NewSweeper(store, SweeperConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, sweeper.Start(context.Background()))
	require.Error(t, sweeper.Start(context.Background()), "second start must fail")

	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop() // idempotent
}

func TestSweeper_DefaultsApplied(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSweeper(payload.NewStore(db), SweeperConfig{})
	require.Equal(t, time.Minute, s.config.Interval)
	require.Equal(t, 24*time.Hour, s.config.TTL)
	require.Equal(t, 1000, s.config.BatchSize)
}
