// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
)

// ObjectStore hands serialized scripts to the remote compute host.
type ObjectStore interface {
	// Upload writes data at path, overwriting any previous object.
	Upload(ctx context.Context, path string, data []byte) error
}

// GCSStore stores scripts in a Google Cloud Storage bucket.
type GCSStore struct {
	bucket *gcs.BucketHandle
}

// NewGCSStore wraps an already-authenticated client and bucket name.
func NewGCSStore(client *gcs.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket)}
}

func (s *GCSStore) Upload(ctx context.Context, path string, data []byte) error {
	w := s.bucket.Object(path).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// FSStore stores scripts under a local directory. Used by tests and
// single-host deployments where the compute host shares a volume.
type FSStore struct {
	root string
}

// NewFSStore creates a store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

func (s *FSStore) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0640); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}
