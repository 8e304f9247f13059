// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package filesystem

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sapcc/go-bits/osext"

	"github.com/strawhub/strawhub/internal/strawhub"
)

func init() {
	strawhub.RegisterStorageDriver("filesystem", func(_ strawhub.Configuration) (strawhub.StorageDriver, error) {
		rootPath, err := filepath.Abs(osext.MustGetenv("STRAWHUB_FILESYSTEM_PATH"))
		return StorageDriver{rootPath}, err
	})
}

// StorageDriver (driver name "filesystem") is a strawhub.StorageDriver that
// stores blobs in the local filesystem.
type StorageDriver struct {
	rootPath string
}

func (d StorageDriver) getBlobPath(storageID string) string {
	// Storage IDs are hex digests, so two levels of fan-out keep directory
	// sizes manageable.
	return filepath.Join(d.rootPath, storageID[len(storageID)-2:], storageID)
}

// ReadBlob implements the strawhub.StorageDriver interface.
func (d StorageDriver) ReadBlob(_ context.Context, storageID string) ([]byte, error) {
	contents, err := os.ReadFile(d.getBlobPath(storageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, strawhub.ErrBlobNotFound
	}
	return contents, err
}

// WriteBlob implements the strawhub.StorageDriver interface.
func (d StorageDriver) WriteBlob(_ context.Context, storageID string, contents []byte) error {
	path := d.getBlobPath(storageID)
	err := os.MkdirAll(filepath.Dir(path), 0777) // subject to umask
	if err != nil {
		return err
	}

	// write to a temporary file first, then rename into place, so that
	// concurrent readers never observe a partially written blob
	tmpPath := path + ".tmp"
	err = os.WriteFile(tmpPath, contents, 0666) // subject to umask
	if err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// DeleteBlob implements the strawhub.StorageDriver interface.
func (d StorageDriver) DeleteBlob(_ context.Context, storageID string) error {
	err := os.Remove(d.getBlobPath(storageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
