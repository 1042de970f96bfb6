// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/sitka/services/notebook/document"
	storage "github.com/AleutianAI/sitka/services/notebook/storage/badger"
)

// SnapshotStore persists encoded document snapshots in BadgerDB, keyed by
// document id, variant, and revision.
type SnapshotStore struct {
	db *storage.DB
}

// NewSnapshotStore creates a store backed by db.
func NewSnapshotStore(db *storage.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func snapshotKey(key document.Key) []byte {
	return []byte(fmt.Sprintf("snapshot/%s/%s/%d", key.DocumentID, key.Variant, key.Revision))
}

// Save writes the encoded snapshot for key, replacing any previous one.
func (s *SnapshotStore) Save(ctx context.Context, key document.Key, data []byte) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(key), data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key.DocumentID, err)
	}
	return nil
}

// Load returns the encoded snapshot for key, or nil when none exists.
func (s *SnapshotStore) Load(ctx context.Context, key document.Key) ([]byte, error) {
	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key.DocumentID, err)
	}
	return data, nil
}
