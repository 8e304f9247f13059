// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/opencontainers/go-digest"

	"github.com/strawhub/strawhub/internal/models"
	"github.com/strawhub/strawhub/internal/strawhub"
)

// IncomingFile is one file of an incoming skill version upload.
type IncomingFile struct {
	Path     string
	Contents []byte
}

// PublishRequest contains the validated form contents of a skill version upload.
type PublishRequest struct {
	SkillName   string
	DisplayName string
	Version     string
	Files       []IncomingFile
}

// These errors are returned by PublishVersion. The API layer maps them to
// 4xx responses.
var (
	ErrMalformedSkillName = errors.New("malformed skill name")
	ErrMalformedVersion   = errors.New("malformed version string")
	ErrNoFiles            = errors.New("upload does not contain any files")
	ErrNotSkillOwner      = errors.New("skill is owned by a different user")
	ErrVersionExists      = errors.New("this version was already published")
)

var (
	skillNameRx = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)
	versionRx   = regexp.MustCompile(`^[a-zA-Z0-9.+_-]+$`)
)

// PublishVersion stores a new skill version, creating the skill if necessary.
// The version starts out with a scan record in status "pending", which the
// janitor's scan jobs pick up asynchronously; the upload path never waits for
// the scanning provider.
func (p *Processor) PublishVersion(ctx context.Context, req PublishRequest, owner string) (*models.SkillVersion, error) {
	switch {
	case !skillNameRx.MatchString(req.SkillName):
		return nil, ErrMalformedSkillName
	case !versionRx.MatchString(req.Version):
		return nil, ErrMalformedVersion
	case len(req.Files) == 0:
		return nil, ErrNoFiles
	}

	// blob writes happen before the DB transaction; they are content-addressed
	// and therefore harmless if the transaction rolls back afterwards
	archiveContents, err := buildArchive(req.Files)
	if err != nil {
		return nil, err
	}
	archiveDigest := digest.Canonical.FromBytes(archiveContents)
	archiveStorageID := strawhub.StorageIDForDigest(archiveDigest)
	err = p.sd.WriteBlob(ctx, archiveStorageID, archiveContents)
	if err != nil {
		return nil, fmt.Errorf("cannot store archive: %w", err)
	}

	fileStorageIDs := make(map[string]string, len(req.Files))
	for _, file := range req.Files {
		storageID := strawhub.StorageIDForDigest(digest.Canonical.FromBytes(file.Contents))
		err := p.sd.WriteBlob(ctx, storageID, file.Contents)
		if err != nil {
			return nil, fmt.Errorf("cannot store file %q: %w", file.Path, err)
		}
		fileStorageIDs[file.Path] = storageID
	}

	now := p.timeNow()
	version := models.SkillVersion{
		Version:          req.Version,
		ArchiveStorageID: archiveStorageID,
		ArchiveDigest:    archiveDigest,
		CreatedAt:        now,
	}
	err = p.insideTransaction(func(tx *gorp.Transaction) error {
		skill, err := findOrCreateSkill(tx, req, owner, now)
		if err != nil {
			return err
		}

		count, err := tx.SelectInt(
			`SELECT COUNT(*) FROM versions WHERE skill_id = $1 AND version = $2`,
			skill.ID, req.Version)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrVersionExists
		}

		version.SkillID = skill.ID
		err = tx.Insert(&version)
		if err != nil {
			return err
		}
		for _, file := range req.Files {
			err = tx.Insert(&models.VersionFile{
				VersionID: version.ID,
				Path:      file.Path,
				StorageID: fileStorageIDs[file.Path],
				SizeBytes: uint64(len(file.Contents)),
			})
			if err != nil {
				return err
			}
		}
		err = tx.Insert(&models.ScanRecord{
			VersionID: version.ID,
			Status:    models.PendingScanStatus,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		_, err = tx.Exec(`UPDATE skills SET latest_version_id = $1 WHERE id = $2`,
			version.ID, skill.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func findOrCreateSkill(tx *gorp.Transaction, req PublishRequest, owner string, now time.Time) (*models.Skill, error) {
	skill, err := strawhub.FindSkill(tx, req.SkillName)
	if strawhub.IsNoRows(err) {
		displayName := req.DisplayName
		if displayName == "" {
			displayName = req.SkillName
		}
		skill = &models.Skill{
			Name:             req.SkillName,
			DisplayName:      displayName,
			Owner:            owner,
			ModerationStatus: models.ActiveModerationStatus,
			CreatedAt:        now,
		}
		return skill, tx.Insert(skill)
	}
	if err != nil {
		return nil, err
	}

	if skill.Owner != owner {
		return nil, ErrNotSkillOwner
	}
	if req.DisplayName != "" && req.DisplayName != skill.DisplayName {
		_, err = tx.Exec(`UPDATE skills SET display_name = $1 WHERE id = $2`,
			req.DisplayName, skill.ID)
		if err != nil {
			return nil, err
		}
	}
	return skill, nil
}

// buildArchive renders the uploaded files into a deterministic tar.gz
// archive. Determinism (sorted entries, fixed timestamps) makes the archive
// digest a function of the file contents alone, so byte-identical uploads
// share blobs and cached scan verdicts.
func buildArchive(files []IncomingFile) ([]byte, error) {
	sorted := make([]IncomingFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	gzWriter, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	tarWriter := tar.NewWriter(gzWriter)
	for _, file := range sorted {
		err := tarWriter.WriteHeader(&tar.Header{
			Name: file.Path,
			Mode: 0644,
			Size: int64(len(file.Contents)),
		})
		if err == nil {
			_, err = tarWriter.Write(file.Contents)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot archive %q: %w", file.Path, err)
		}
	}
	err = tarWriter.Close()
	if err == nil {
		err = gzWriter.Close()
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
