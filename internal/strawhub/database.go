// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package strawhub

import (
	"database/sql"
	"errors"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/easypg"

	"github.com/strawhub/strawhub/internal/models"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE skills (
			id                BIGSERIAL   NOT NULL PRIMARY KEY,
			name              TEXT        NOT NULL UNIQUE,
			display_name      TEXT        NOT NULL DEFAULT '',
			owner             TEXT        NOT NULL,
			moderation_status TEXT        NOT NULL DEFAULT 'active',
			latest_version_id BIGINT      DEFAULT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at        TIMESTAMPTZ DEFAULT NULL
		);

		CREATE TABLE versions (
			id                 BIGSERIAL   NOT NULL PRIMARY KEY,
			skill_id           BIGINT      NOT NULL REFERENCES skills ON DELETE CASCADE,
			version            TEXT        NOT NULL,
			archive_storage_id TEXT        NOT NULL DEFAULT '',
			archive_digest     TEXT        NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at         TIMESTAMPTZ DEFAULT NULL,
			UNIQUE (skill_id, version)
		);

		CREATE TABLE version_files (
			version_id BIGINT NOT NULL REFERENCES versions ON DELETE CASCADE,
			path       TEXT   NOT NULL,
			storage_id TEXT   NOT NULL,
			size_bytes BIGINT NOT NULL,
			PRIMARY KEY (version_id, path)
		);

		CREATE TABLE scan_records (
			version_id   BIGINT      NOT NULL PRIMARY KEY REFERENCES versions ON DELETE CASCADE,
			status       TEXT        NOT NULL DEFAULT 'pending',
			analysis_id  TEXT        NOT NULL DEFAULT '',
			positives    INT         DEFAULT NULL,
			total        INT         DEFAULT NULL,
			permalink    TEXT        NOT NULL DEFAULT '',
			message      TEXT        NOT NULL DEFAULT '',
			scanned_at   TIMESTAMPTZ DEFAULT NULL,
			poll_attempt INT         NOT NULL DEFAULT 0,
			next_poll_at TIMESTAMPTZ DEFAULT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`,
	"001_initial.down.sql": `
		DROP TABLE scan_records;
		DROP TABLE version_files;
		DROP TABLE versions;
		DROP TABLE skills;
	`,
}

// DBConfiguration returns the easypg.Configuration object that func main() needs to initialize the DB connection.
func DBConfiguration() easypg.Configuration {
	return easypg.Configuration{
		Migrations: sqlMigrations,
	}
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
}

// InitORM wraps a database connection into a DB instance.
func InitORM(dbConn *sql.DB) *DB {
	result := &DB{DbMap: gorp.DbMap{Db: dbConn, Dialect: gorp.PostgresDialect{}}}
	initModels(&result.DbMap)
	return result
}

func initModels(db *gorp.DbMap) {
	db.AddTableWithName(models.Skill{}, "skills").SetKeys(true, "id")
	db.AddTableWithName(models.SkillVersion{}, "versions").SetKeys(true, "id")
	db.AddTableWithName(models.VersionFile{}, "version_files").SetKeys(false, "version_id", "path")
	db.AddTableWithName(models.ScanRecord{}, "scan_records").SetKeys(false, "version_id")
}

// FindSkill returns the non-deleted skill with the given name, or
// sql.ErrNoRows if it does not exist.
func FindSkill(db gorp.SqlExecutor, name string) (*models.Skill, error) {
	var skill models.Skill
	err := db.SelectOne(&skill,
		`SELECT * FROM skills WHERE name = $1 AND deleted_at IS NULL`, name)
	if err != nil {
		return nil, err
	}
	return &skill, nil
}

// FindSkillByID is like FindSkill, but looks up by primary key and also
// returns soft-deleted skills.
func FindSkillByID(db gorp.SqlExecutor, id int64) (*models.Skill, error) {
	var skill models.Skill
	err := db.SelectOne(&skill, `SELECT * FROM skills WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &skill, nil
}

// FindVersion returns the non-deleted version with the given version string,
// or sql.ErrNoRows if it does not exist.
func FindVersion(db gorp.SqlExecutor, skillID int64, version string) (*models.SkillVersion, error) {
	var v models.SkillVersion
	err := db.SelectOne(&v,
		`SELECT * FROM versions WHERE skill_id = $1 AND version = $2 AND deleted_at IS NULL`,
		skillID, version)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FindVersionByID looks up a version by primary key.
func FindVersionByID(db gorp.SqlExecutor, id int64) (*models.SkillVersion, error) {
	var v models.SkillVersion
	err := db.SelectOne(&v, `SELECT * FROM versions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FindScanRecord looks up the scan record for the given version.
func FindScanRecord(db gorp.SqlExecutor, versionID int64) (*models.ScanRecord, error) {
	var sr models.ScanRecord
	err := db.SelectOne(&sr, `SELECT * FROM scan_records WHERE version_id = $1`, versionID)
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

// IsNoRows checks whether the given error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
