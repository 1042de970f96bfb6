// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package payload stores relay message bodies durably.
//
// The transport channel caps message size and channel-name length, so the
// relay offloads each update body here and sends only a small reference.
// Records are garbage collected after a TTL by the relay's sweeper.
package payload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/sitka/services/notebook/storage/badger"
)

// ErrNotFound is returned by Load when no record exists for the id. The
// relay treats this as a dropped message, not a failure: the record may
// already have been garbage collected.
var ErrNotFound = errors.New("payload: record not found")

const (
	bodyPrefix = "payload/body/"
	timePrefix = "payload/ts/"
)

// Store is the durable key→bytes payload store.
//
// Each record is kept under two keys: the body under an id key, and the id
// under a creation-time key so the TTL sweep can scan oldest-first without
// touching record bodies.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a payload store on the given database.
func NewStore(db *badger.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists data as a new record and returns its generated id.
func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	createdAt := s.now().UTC()
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(bodyPrefix+id), data); err != nil {
			return err
		}
		return txn.Set([]byte(timeKey(createdAt, id)), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("save payload: %w", err)
	}
	return id, nil
}

// Load returns the record body for id, or ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(bodyPrefix + id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load payload %s: %w", id, err)
	}
	return data, nil
}

// DeleteOlderThan deletes up to limit records created at or before cutoff,
// oldest first, and returns how many were deleted.
//
// The boundary is inclusive: a record created exactly at cutoff is eligible.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	type victim struct {
		timeKey string
		id      string
	}
	var victims []victim

	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(timePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(victims) < limit; it.Next() {
			key := string(it.Item().Key())
			createdAt, err := parseTimeKey(key)
			if err != nil {
				// Unparseable index rows are skipped rather than wedging
				// the sweep forever.
				continue
			}
			if createdAt.After(cutoff.UTC()) {
				break // time-ordered prefix: everything after is newer
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			victims = append(victims, victim{timeKey: key, id: string(id)})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired payloads: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		for _, v := range victims {
			if err := txn.Delete([]byte(bodyPrefix + v.id)); err != nil {
				return err
			}
			if err := txn.Delete([]byte(v.timeKey)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired payloads: %w", err)
	}
	return len(victims), nil
}

// timeKey encodes a creation-time index key that sorts chronologically.
func timeKey(createdAt time.Time, id string) string {
	return fmt.Sprintf("%s%020d/%s", timePrefix, createdAt.UnixNano(), id)
}

func parseTimeKey(key string) (time.Time, error) {
	rest := strings.TrimPrefix(key, timePrefix)
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return time.Time{}, fmt.Errorf("malformed time key %q", key)
	}
	var nanos int64
	if _, err := fmt.Sscanf(rest[:slash], "%d", &nanos); err != nil {
		return time.Time{}, fmt.Errorf("malformed time key %q: %w", key, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}
