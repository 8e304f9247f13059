// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"testing"
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/easypg"

	"github.com/strawhub/strawhub/internal/models"
	"github.com/strawhub/strawhub/internal/strawhub"
	"github.com/strawhub/strawhub/internal/test"
)

func TestMain(m *testing.M) {
	easypg.WithTestDB(m, func() int { return m.Run() })
}

func setup(t *testing.T, opts ...test.SetupOption) (*Janitor, test.Setup) {
	s := test.NewSetup(t, opts...)
	j := NewJanitor(s.Cfg, s.DB, s.SD, s.Auditor).OverrideTimeNow(s.Clock.Now)
	if s.Cfg.VirusTotal != nil {
		// neutralize the upload retry delay, otherwise rate-limit tests would
		// sleep for real
		j.OverrideVirusTotalClient(s.Cfg.VirusTotal.NewClient().OverrideTimeSleep(func(time.Duration) {}))
	}
	if s.Redis != nil {
		j.WithVerdictCache(s.Redis)
	}
	return j, s
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err.Error())
	}
}

func mustExec(t *testing.T, db gorp.SqlExecutor, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	if err != nil {
		t.Fatal(err.Error())
	}
}

func expectSuccess(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Error("expected err = nil, but got: " + err.Error())
	}
}

func expectError(t *testing.T, expected string, actual error) {
	t.Helper()
	if actual == nil {
		t.Errorf("expected err = %q, but got <nil>", expected)
	} else if expected != actual.Error() {
		t.Errorf("expected err = %q, but got %q", expected, actual.Error())
	}
}

type testFile struct {
	Path     string
	Contents []byte
}

// uploadVersion inserts a skill version with the given files, plus a pending
// scan record, the way a publish request would.
func uploadVersion(t *testing.T, s test.Setup, skillName, versionStr string, archiveContents []byte, files []testFile) models.SkillVersion {
	t.Helper()

	skill, err := strawhub.FindSkill(s.DB, skillName)
	if strawhub.IsNoRows(err) {
		skill = &models.Skill{
			Name:             skillName,
			DisplayName:      skillName,
			Owner:            "exampleuser",
			ModerationStatus: models.ActiveModerationStatus,
			CreatedAt:        s.Clock.Now(),
		}
		must(t, s.DB.Insert(skill))
	} else {
		must(t, err)
	}

	version := models.SkillVersion{
		SkillID:   skill.ID,
		Version:   versionStr,
		CreatedAt: s.Clock.Now(),
	}
	if archiveContents != nil {
		archiveDigest := digest.Canonical.FromBytes(archiveContents)
		version.ArchiveDigest = archiveDigest
		version.ArchiveStorageID = strawhub.StorageIDForDigest(archiveDigest)
		must(t, s.SD.WriteBlob(s.Ctx, version.ArchiveStorageID, archiveContents))
	}
	must(t, s.DB.Insert(&version))
	mustExec(t, s.DB, `UPDATE skills SET latest_version_id = $1 WHERE id = $2`, version.ID, skill.ID)

	for _, file := range files {
		fileDigest := digest.Canonical.FromBytes(file.Contents)
		storageID := strawhub.StorageIDForDigest(fileDigest)
		must(t, s.SD.WriteBlob(s.Ctx, storageID, file.Contents))
		must(t, s.DB.Insert(&models.VersionFile{
			VersionID: version.ID,
			Path:      file.Path,
			StorageID: storageID,
			SizeBytes: uint64(len(file.Contents)),
		}))
	}

	must(t, s.DB.Insert(&models.ScanRecord{
		VersionID: version.ID,
		Status:    models.PendingScanStatus,
		CreatedAt: s.Clock.Now(),
	}))
	return version
}

// binaryContents produces file contents that the text classifier rejects.
func binaryContents(tail string) []byte {
	return append([]byte{0x7F, 'E', 'L', 'F', 0x00}, tail...)
}
