// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

// Package skillsv1 implements the public skill API, including version
// publishing.
package skillsv1

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/audittools"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/strawhub/strawhub/internal/models"
	"github.com/strawhub/strawhub/internal/processor"
	"github.com/strawhub/strawhub/internal/strawhub"
)

// API contains state variables used by the skills API.
type API struct {
	db      *strawhub.DB
	sd      strawhub.StorageDriver
	ad      strawhub.AuthDriver
	auditor strawhub.Auditor

	timeNow func() time.Time
}

func NewAPI(db *strawhub.DB, sd strawhub.StorageDriver, ad strawhub.AuthDriver, auditor strawhub.Auditor) *API {
	return &API{db, sd, ad, auditor, time.Now}
}

// OverrideTimeNow replaces time.Now with a test double.
func (a *API) OverrideTimeNow(timeNow func() time.Time) *API {
	a.timeNow = timeNow
	return a
}

func (a *API) processor() *processor.Processor {
	return processor.New(a.db, a.sd, a.auditor).OverrideTimeNow(a.timeNow)
}

// AddTo implements the api.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("GET").Path("/api/v1/skills/{skill_name}").HandlerFunc(a.handleGetSkill)
	r.Methods("GET").Path("/api/v1/skills/{skill_name}/versions/{version}").HandlerFunc(a.handleGetVersion)
	r.Methods("POST").Path("/api/v1/skills/{skill_name}/versions").HandlerFunc(a.handlePublishVersion)
}

// Skill is how a skill appears in API responses.
type Skill struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name"`
	Owner         string         `json:"owner"`
	LatestVersion *string        `json:"latest_version,omitempty"`
	Versions      []VersionEntry `json:"versions"`
}

// VersionEntry appears in type Skill.
type VersionEntry struct {
	Version    string `json:"version"`
	UploadedAt int64  `json:"uploaded_at"`
	ScanStatus string `json:"scan_status"`
}

// Version is how a single skill version appears in API responses.
type Version struct {
	Version    string      `json:"version"`
	UploadedAt int64       `json:"uploaded_at"`
	ScanStatus string      `json:"scan_status"`
	Files      []FileEntry `json:"files"`
}

// FileEntry appears in type Version.
type FileEntry struct {
	Path      string `json:"path"`
	SizeBytes uint64 `json:"size_bytes"`
}

// findVisibleSkill loads the skill named in the request, taking visibility
// into account: hidden and removed skills look like they do not exist unless
// the requester is the owner or has moderation rights.
func (a *API) findVisibleSkill(w http.ResponseWriter, r *http.Request) *models.Skill {
	skill, err := strawhub.FindSkill(a.db, mux.Vars(r)["skill_name"])
	if strawhub.IsNoRows(err) {
		http.Error(w, "no such skill", http.StatusNotFound)
		return nil
	}
	if respondwith.ErrorText(w, err) {
		return nil
	}

	if skill.ModerationStatus != models.ActiveModerationStatus {
		uid, err := a.ad.AuthenticateRequest(r)
		if err != nil || uid == nil || !(uid.HasPermission(strawhub.CanModerate) || uid.UserName() == skill.Owner) {
			http.Error(w, "no such skill", http.StatusNotFound)
			return nil
		}
	}
	return skill
}

var skillVersionsGetQuery = `
	SELECT v.version, v.created_at, sr.status
	  FROM versions v
	  JOIN scan_records sr ON sr.version_id = v.id
	 WHERE v.skill_id = $1 AND v.deleted_at IS NULL
	 ORDER BY v.created_at DESC
`

func (a *API) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/skills/:skill_name")
	skill := a.findVisibleSkill(w, r)
	if skill == nil {
		return
	}

	result := Skill{
		Name:        skill.Name,
		DisplayName: skill.DisplayName,
		Owner:       skill.Owner,
		Versions:    []VersionEntry{},
	}

	rows, err := a.db.Query(skillVersionsGetQuery, skill.ID)
	if respondwith.ErrorText(w, err) {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			version   string
			createdAt time.Time
			status    models.ScanStatus
		)
		err = rows.Scan(&version, &createdAt, &status)
		if respondwith.ErrorText(w, err) {
			return
		}
		result.Versions = append(result.Versions, VersionEntry{
			Version:    version,
			UploadedAt: createdAt.Unix(),
			ScanStatus: string(status),
		})
	}
	if respondwith.ErrorText(w, rows.Err()) {
		return
	}

	if skill.LatestVersionID != nil {
		latest, err := strawhub.FindVersionByID(a.db, *skill.LatestVersionID)
		if err == nil && latest.DeletedAt == nil {
			result.LatestVersion = &latest.Version
		} else if !strawhub.IsNoRows(err) && respondwith.ErrorText(w, err) {
			return
		}
	}

	respondwith.JSON(w, http.StatusOK, result)
}

func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/skills/:skill_name/versions/:version")
	skill := a.findVisibleSkill(w, r)
	if skill == nil {
		return
	}

	version, err := strawhub.FindVersion(a.db, skill.ID, mux.Vars(r)["version"])
	if strawhub.IsNoRows(err) {
		http.Error(w, "no such version", http.StatusNotFound)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}

	scanRecord, err := strawhub.FindScanRecord(a.db, version.ID)
	if respondwith.ErrorText(w, err) {
		return
	}

	var files []models.VersionFile
	_, err = a.db.Select(&files, `SELECT * FROM version_files WHERE version_id = $1 ORDER BY path`, version.ID)
	if respondwith.ErrorText(w, err) {
		return
	}

	result := Version{
		Version:    version.Version,
		UploadedAt: version.CreatedAt.Unix(),
		ScanStatus: string(scanRecord.Status),
		Files:      []FileEntry{},
	}
	for _, f := range files {
		result.Files = append(result.Files, FileEntry{Path: f.Path, SizeBytes: f.SizeBytes})
	}
	respondwith.JSON(w, http.StatusOK, result)
}

// maxPublishPayloadBytes bounds how much of a multipart publish request is
// held in memory before the rest spills to disk.
const maxPublishPayloadBytes = 64 << 20 // 64 MiB

func (a *API) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/skills/:skill_name/versions")
	uid := a.checkPermission(w, r, strawhub.CanPublish)
	if uid == nil {
		return
	}

	err := r.ParseMultipartForm(maxPublishPayloadBytes)
	if err != nil {
		http.Error(w, "cannot parse multipart request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	req := processor.PublishRequest{
		SkillName:   mux.Vars(r)["skill_name"],
		DisplayName: r.FormValue("display_name"),
		Version:     r.FormValue("version"),
	}
	for _, hdr := range r.MultipartForm.File["files"] {
		contents, err := readMultipartFile(hdr)
		if err != nil {
			http.Error(w, fmt.Sprintf("cannot read uploaded file %q: %s", hdr.Filename, err.Error()), http.StatusBadRequest)
			return
		}
		req.Files = append(req.Files, processor.IncomingFile{Path: hdr.Filename, Contents: contents})
	}

	version, err := a.processor().PublishVersion(r.Context(), req, uid.UserName())
	switch {
	case err == nil:
		break
	case errors.Is(err, processor.ErrMalformedSkillName),
		errors.Is(err, processor.ErrMalformedVersion),
		errors.Is(err, processor.ErrNoFiles):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, processor.ErrNotSkillOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, processor.ErrVersionExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		respondwith.ErrorText(w, err)
		return
	}

	a.auditor.Record(audittools.EventParameters{
		Time:       a.timeNow(),
		Request:    r,
		User:       uid.UserInfo(),
		ReasonCode: http.StatusCreated,
		Action:     cadf.CreateAction,
		Target:     auditPublishedVersion{SkillName: req.SkillName, Version: *version},
	})

	result := Version{
		Version:    version.Version,
		UploadedAt: version.CreatedAt.Unix(),
		ScanStatus: string(models.PendingScanStatus),
		Files:      []FileEntry{},
	}
	for _, f := range req.Files {
		result.Files = append(result.Files, FileEntry{Path: f.Path, SizeBytes: uint64(len(f.Contents))})
	}
	respondwith.JSON(w, http.StatusCreated, result)
}

func readMultipartFile(hdr *multipart.FileHeader) ([]byte, error) {
	f, err := hdr.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (a *API) checkPermission(w http.ResponseWriter, r *http.Request, perm strawhub.Permission) strawhub.UserIdentity {
	uid, err := a.ad.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil
	}
	if uid == nil {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return nil
	}
	if !uid.HasPermission(perm) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil
	}
	return uid
}
