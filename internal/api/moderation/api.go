// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

// Package moderationv1 implements the moderation API, through which
// operators inspect and retrigger failed malware scans.
package moderationv1

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/audittools"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/strawhub/strawhub/internal/strawhub"
)

// API contains state variables used by the moderation API.
type API struct {
	db      *strawhub.DB
	ad      strawhub.AuthDriver
	auditor strawhub.Auditor

	timeNow func() time.Time
}

func NewAPI(db *strawhub.DB, ad strawhub.AuthDriver, auditor strawhub.Auditor) *API {
	return &API{db, ad, auditor, time.Now}
}

// OverrideTimeNow replaces time.Now with a test double.
func (a *API) OverrideTimeNow(timeNow func() time.Time) *API {
	a.timeNow = timeNow
	return a
}

// AddTo implements the api.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("GET").Path("/api/v1/moderation/scans").HandlerFunc(a.handleListFailedScans)
	r.Methods("POST").Path("/api/v1/moderation/scans/{version_id}/retrigger").HandlerFunc(a.handleRetriggerScan)
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

// FailedScan is how an unsuccessful scan appears in API responses.
type FailedScan struct {
	VersionID   int64  `json:"version_id"`
	SkillName   string `json:"skill_name"`
	DisplayName string `json:"display_name"`
	Owner       string `json:"owner"`
	Version     string `json:"version"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	UploadedAt  int64  `json:"uploaded_at"`
}

// Scans that concern a skill's latest version are reported first since those
// are the ones that block what users currently install.
var failedScansListQuery = sqlext.SimplifyWhitespace(`
	SELECT sr.version_id, s.name, s.display_name, s.owner, v.version, sr.status,
	       sr.message, v.created_at,
	       COALESCE(s.latest_version_id = v.id, FALSE) AS is_latest
	  FROM scan_records sr
	  JOIN versions v ON v.id = sr.version_id
	  JOIN skills s ON s.id = v.skill_id
	 WHERE sr.status IN ('error', 'rate_limited')
	   AND v.deleted_at IS NULL AND s.deleted_at IS NULL
	 ORDER BY is_latest DESC, v.created_at DESC
`)

func (a *API) handleListFailedScans(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/moderation/scans")
	uid := a.checkPermission(w, r, strawhub.CanViewScans)
	if uid == nil {
		return
	}

	result := struct {
		Scans []FailedScan `json:"scans"`
	}{[]FailedScan{}}

	err := sqlext.ForeachRow(a.db, failedScansListQuery, nil, func(rows *sql.Rows) error {
		var (
			entry     FailedScan
			createdAt time.Time
			isLatest  bool
		)
		err := rows.Scan(&entry.VersionID, &entry.SkillName, &entry.DisplayName,
			&entry.Owner, &entry.Version, &entry.Status, &entry.Message, &createdAt, &isLatest)
		if err != nil {
			return err
		}
		entry.UploadedAt = createdAt.Unix()
		if isLatest {
			entry.Priority = "high"
		} else {
			entry.Priority = "low"
		}
		result.Scans = append(result.Scans, entry)
		return nil
	})
	if respondwith.ErrorText(w, err) {
		return
	}

	respondwith.JSON(w, http.StatusOK, result)
}

// Retriggering resets the scan record to its initial state, so the next
// submit pass treats the version like a fresh upload. The status check in the
// WHERE clause doubles as a guard against racing with an active scan.
var retriggerScanQuery = sqlext.SimplifyWhitespace(`
	UPDATE scan_records
	   SET status = 'pending', analysis_id = '', positives = NULL, total = NULL,
	       permalink = '', message = '', scanned_at = NULL, poll_attempt = 0,
	       next_poll_at = NULL
	 WHERE version_id = $1 AND status IN ('error', 'rate_limited')
`)

func (a *API) handleRetriggerScan(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v1/moderation/scans/:version_id/retrigger")
	uid := a.checkPermission(w, r, strawhub.CanModerate)
	if uid == nil {
		return
	}

	versionID, err := strconv.ParseInt(mux.Vars(r)["version_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid version ID", http.StatusBadRequest)
		return
	}

	version, err := strawhub.FindVersionByID(a.db, versionID)
	if strawhub.IsNoRows(err) || (err == nil && version.DeletedAt != nil) {
		http.Error(w, "no such version", http.StatusNotFound)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}
	skill, err := strawhub.FindSkillByID(a.db, version.SkillID)
	if strawhub.IsNoRows(err) || (err == nil && skill.DeletedAt != nil) {
		http.Error(w, "no such version", http.StatusNotFound)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}

	queryResult, err := a.db.Exec(retriggerScanQuery, versionID)
	if respondwith.ErrorText(w, err) {
		return
	}
	rowsAffected, err := queryResult.RowsAffected()
	if respondwith.ErrorText(w, err) {
		return
	}
	if rowsAffected == 0 {
		http.Error(w, "scan is not in a retriggerable state", http.StatusConflict)
		return
	}

	a.auditor.Record(audittools.EventParameters{
		Time:       a.timeNow(),
		Request:    r,
		User:       uid.UserInfo(),
		ReasonCode: http.StatusAccepted,
		Action:     cadf.UpdateAction,
		Target:     auditRetriggeredScan{SkillName: skill.Name, Version: *version},
	})

	w.WriteHeader(http.StatusAccepted)
}
