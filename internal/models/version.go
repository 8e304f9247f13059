// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// SkillVersion contains a record from the `versions` table.
type SkillVersion struct {
	ID               int64         `db:"id"`
	SkillID          int64         `db:"skill_id"`
	Version          string        `db:"version"`
	ArchiveStorageID string        `db:"archive_storage_id"` // empty when the upload did not include an archive
	ArchiveDigest    digest.Digest `db:"archive_digest"`
	CreatedAt        time.Time     `db:"created_at"`
	DeletedAt        *time.Time    `db:"deleted_at"`
}

// ArchiveName returns the file name under which this version's archive is
// submitted to the malware scanning provider.
func (v SkillVersion) ArchiveName(skillName string) string {
	return fmt.Sprintf("%s-%s.tar.gz", skillName, v.Version)
}

// VersionFile contains a record from the `version_files` table.
type VersionFile struct {
	VersionID int64  `db:"version_id"`
	Path      string `db:"path"`
	StorageID string `db:"storage_id"`
	SizeBytes uint64 `db:"size_bytes"`
}
