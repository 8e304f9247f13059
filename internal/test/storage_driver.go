// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"context"

	"github.com/strawhub/strawhub/internal/strawhub"
)

func init() {
	strawhub.RegisterStorageDriver("in-memory-for-testing", func(_ strawhub.Configuration) (strawhub.StorageDriver, error) {
		return &StorageDriver{make(map[string][]byte)}, nil
	})
}

// StorageDriver (driver name "in-memory-for-testing") is a
// strawhub.StorageDriver for use in test suites where blobs are only stored
// in RAM, without any persistence.
type StorageDriver struct {
	blobs map[string][]byte
}

// ReadBlob implements the strawhub.StorageDriver interface.
func (d *StorageDriver) ReadBlob(_ context.Context, storageID string) ([]byte, error) {
	contents, exists := d.blobs[storageID]
	if !exists {
		return nil, strawhub.ErrBlobNotFound
	}
	return contents, nil
}

// WriteBlob implements the strawhub.StorageDriver interface.
func (d *StorageDriver) WriteBlob(_ context.Context, storageID string, contents []byte) error {
	d.blobs[storageID] = contents
	return nil
}

// DeleteBlob implements the strawhub.StorageDriver interface.
func (d *StorageDriver) DeleteBlob(_ context.Context, storageID string) error {
	_, exists := d.blobs[storageID]
	if !exists {
		return strawhub.ErrBlobNotFound
	}
	delete(d.blobs, storageID)
	return nil
}

// BlobCount returns how many blobs are stored, for test assertions.
func (d *StorageDriver) BlobCount() int {
	return len(d.blobs)
}
