// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package strawhub

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
)

// StorageDriver is the abstract interface for a blob storage backend where
// uploaded skill archives and their unpacked files are stored.
type StorageDriver interface {
	// ReadBlob returns ErrBlobNotFound if there is no blob with this storage ID.
	ReadBlob(ctx context.Context, storageID string) ([]byte, error)
	WriteBlob(ctx context.Context, storageID string, contents []byte) error
	DeleteBlob(ctx context.Context, storageID string) error
}

// ErrBlobNotFound is returned by StorageDriver.ReadBlob.
var ErrBlobNotFound = errors.New("no such blob")

// StorageIDForDigest derives the storage ID under which a blob with the given
// content digest is stored. Content addressing makes blob writes idempotent.
func StorageIDForDigest(d digest.Digest) string {
	return d.Algorithm().String() + "-" + d.Encoded()
}

var storageDriverFactories = make(map[string]func(Configuration) (StorageDriver, error))

// NewStorageDriver creates a new StorageDriver using one of the factory
// functions registered with RegisterStorageDriver().
func NewStorageDriver(name string, cfg Configuration) (StorageDriver, error) {
	factory := storageDriverFactories[name]
	if factory != nil {
		return factory(cfg)
	}
	return nil, errors.New("no such storage driver: " + name)
}

// RegisterStorageDriver registers a StorageDriver. Call this from func init()
// of the package defining the StorageDriver.
func RegisterStorageDriver(name string, factory func(Configuration) (StorageDriver, error)) {
	if _, exists := storageDriverFactories[name]; exists {
		panic("attempted to register multiple storage drivers with name = " + name)
	}
	storageDriverFactories[name] = factory
}
