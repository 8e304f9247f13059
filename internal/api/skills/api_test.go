// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package skillsv1_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/easypg"

	"github.com/strawhub/strawhub/internal/models"
	"github.com/strawhub/strawhub/internal/strawhub"
	"github.com/strawhub/strawhub/internal/test"
)

func TestMain(m *testing.M) {
	easypg.WithTestDB(m, func() int { return m.Run() })
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err.Error())
	}
}

// insertVersion inserts a skill version and its pending scan record directly,
// bypassing the publish endpoint.
func insertVersion(t *testing.T, s test.Setup, skillName, versionStr string, files map[string][]byte) models.SkillVersion {
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

	archiveDigest := digest.Canonical.FromBytes([]byte(skillName + "/" + versionStr))
	version := models.SkillVersion{
		SkillID:          skill.ID,
		Version:          versionStr,
		ArchiveStorageID: strawhub.StorageIDForDigest(archiveDigest),
		ArchiveDigest:    archiveDigest,
		CreatedAt:        s.Clock.Now(),
	}
	must(t, s.DB.Insert(&version))
	mustExec(t, s, `UPDATE skills SET latest_version_id = $1 WHERE id = $2`, version.ID, skill.ID)

	for path, contents := range files {
		must(t, s.DB.Insert(&models.VersionFile{
			VersionID: version.ID,
			Path:      path,
			StorageID: strawhub.StorageIDForDigest(digest.Canonical.FromBytes(contents)),
			SizeBytes: uint64(len(contents)),
		}))
	}

	must(t, s.DB.Insert(&models.ScanRecord{
		VersionID: version.ID,
		Status:    models.PendingScanStatus,
		CreatedAt: s.Clock.Now(),
	}))
	return version
}

func mustExec(t *testing.T, s test.Setup, query string, args ...any) {
	t.Helper()
	_, err := s.DB.Exec(query, args...)
	must(t, err)
}

func TestGetSkill(t *testing.T) {
	s := test.NewSetup(t, test.WithAPI)
	s.Clock.StepBy(1 * time.Hour)
	insertVersion(t, s, "my-skill", "1.0.0", map[string][]byte{"skill.py": []byte("print(1)\n")})
	s.Clock.StepBy(1 * time.Hour)
	insertVersion(t, s, "my-skill", "1.1.0", map[string][]byte{"skill.py": []byte("print(2)\n")})
	mustExec(t, s, `UPDATE scan_records SET status = 'clean' WHERE version_id = 1`)

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/my-skill",
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"name":           "my-skill",
			"display_name":   "my-skill",
			"owner":          "exampleuser",
			"latest_version": "1.1.0",
			"versions": []assert.JSONObject{
				{"version": "1.1.0", "uploaded_at": 7200, "scan_status": "pending"},
				{"version": "1.0.0", "uploaded_at": 3600, "scan_status": "clean"},
			},
		},
	}.Check(t, s.Handler)

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/no-such-skill",
		ExpectStatus: http.StatusNotFound,
		ExpectBody:   assert.StringData("no such skill\n"),
	}.Check(t, s.Handler)
}

func TestGetVersion(t *testing.T) {
	s := test.NewSetup(t, test.WithAPI)
	s.Clock.StepBy(1 * time.Hour)
	insertVersion(t, s, "my-skill", "1.0.0", map[string][]byte{
		"README.md": []byte("# hello\n"),
		"skill.py":  []byte("print(1)\n"),
	})

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/my-skill/versions/1.0.0",
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"version":     "1.0.0",
			"uploaded_at": 3600,
			"scan_status": "pending",
			"files": []assert.JSONObject{
				{"path": "README.md", "size_bytes": 8},
				{"path": "skill.py", "size_bytes": 9},
			},
		},
	}.Check(t, s.Handler)

	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/my-skill/versions/9.9.9",
		ExpectStatus: http.StatusNotFound,
		ExpectBody:   assert.StringData("no such version\n"),
	}.Check(t, s.Handler)
}

func TestHiddenSkillVisibility(t *testing.T) {
	s := test.NewSetup(t, test.WithAPI)
	s.Clock.StepBy(1 * time.Hour)
	insertVersion(t, s, "shady-skill", "1.0.0", map[string][]byte{"skill.py": []byte("print(1)\n")})
	mustExec(t, s, `UPDATE skills SET moderation_status = 'hidden' WHERE name = 'shady-skill'`)

	// anonymous users and unrelated users do not see hidden skills
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/shady-skill",
		ExpectStatus: http.StatusNotFound,
		ExpectBody:   assert.StringData("no such skill\n"),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/shady-skill",
		Header:       map[string]string{"X-Test-Username": "someoneelse"},
		ExpectStatus: http.StatusNotFound,
		ExpectBody:   assert.StringData("no such skill\n"),
	}.Check(t, s.Handler)

	// the owner and moderators still see them
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/shady-skill",
		Header:       map[string]string{"X-Test-Username": "exampleuser"},
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"name":           "shady-skill",
			"display_name":   "shady-skill",
			"owner":          "exampleuser",
			"latest_version": "1.0.0",
			"versions": []assert.JSONObject{
				{"version": "1.0.0", "uploaded_at": 3600, "scan_status": "pending"},
			},
		},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/api/v1/skills/shady-skill/versions/1.0.0",
		Header:       map[string]string{"X-Test-Username": "mod", "X-Test-Perms": "moderate"},
		ExpectStatus: http.StatusOK,
		ExpectBody: assert.JSONObject{
			"version":     "1.0.0",
			"uploaded_at": 3600,
			"scan_status": "pending",
			"files": []assert.JSONObject{
				{"path": "skill.py", "size_bytes": 9},
			},
		},
	}.Check(t, s.Handler)
}

func TestPublishVersion(t *testing.T) {
	s := test.NewSetup(t, test.WithAPI)
	s.Clock.StepBy(1 * time.Hour)

	body, contentType := buildPublishBody(t, map[string]string{
		"display_name": "New Skill",
		"version":      "1.0.0",
	}, map[string][]byte{
		"README.md": []byte("# new skill\n"),
		"skill.py":  []byte("print(1)\n"),
	})

	// permission checks
	respondsWithStatus(t, s, "POST", "/api/v1/skills/new-skill/versions", nil, body, contentType, http.StatusUnauthorized)
	respondsWithStatus(t, s, "POST", "/api/v1/skills/new-skill/versions",
		map[string]string{"X-Test-Username": "jane"}, body, contentType, http.StatusForbidden)

	// successful publish
	publisherHeaders := map[string]string{"X-Test-Username": "jane", "X-Test-Perms": "publish"}
	resp := publishRequest(t, s, "/api/v1/skills/new-skill/versions", publisherHeaders, body, contentType)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var respData struct {
		Version    string `json:"version"`
		ScanStatus string `json:"scan_status"`
	}
	must(t, json.Unmarshal(resp.Body.Bytes(), &respData))
	if respData.Version != "1.0.0" || respData.ScanStatus != "pending" {
		t.Errorf("unexpected response: %s", resp.Body.String())
	}

	skill, err := strawhub.FindSkill(s.DB, "new-skill")
	must(t, err)
	if skill.Owner != "jane" || skill.DisplayName != "New Skill" {
		t.Errorf("unexpected skill record: %#v", skill)
	}
	version, err := strawhub.FindVersion(s.DB, skill.ID, "1.0.0")
	must(t, err)
	scanRecord, err := strawhub.FindScanRecord(s.DB, version.ID)
	must(t, err)
	if scanRecord.Status != models.PendingScanStatus {
		t.Errorf("expected pending scan record, got %q", scanRecord.Status)
	}

	s.Auditor.ExpectEvents(t, cadf.Event{
		RequestPath: "/api/v1/skills/new-skill/versions",
		Action:      cadf.CreateAction,
		Outcome:     "success",
		Reason:      cadf.Reason{ReasonType: "HTTP", ReasonCode: "201"},
		Target: cadf.Resource{
			TypeURI: "service/skill-registry/version",
			Name:    "new-skill/1.0.0",
			ID:      "1",
		},
	})

	// publishing the same version again is a conflict
	respondsWithStatus(t, s, "POST", "/api/v1/skills/new-skill/versions", publisherHeaders, body, contentType, http.StatusConflict)

	// publishing into a foreign skill is forbidden
	respondsWithStatus(t, s, "POST", "/api/v1/skills/new-skill/versions",
		map[string]string{"X-Test-Username": "eve", "X-Test-Perms": "publish"}, body, contentType, http.StatusForbidden)

	// malformed skill names are rejected
	respondsWithStatus(t, s, "POST", "/api/v1/skills/Bad_Name!/versions", publisherHeaders, body, contentType, http.StatusBadRequest)
}

func buildPublishBody(t *testing.T, fields map[string]string, files map[string][]byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		must(t, writer.WriteField(key, value))
	}
	for path, contents := range files {
		fileWriter, err := writer.CreateFormFile("files", path)
		must(t, err)
		_, err = fileWriter.Write(contents)
		must(t, err)
	}
	must(t, writer.Close())
	return buf.Bytes(), writer.FormDataContentType()
}

func publishRequest(t *testing.T, s test.Setup, path string, headers map[string]string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	s.Handler.ServeHTTP(recorder, req)
	return recorder
}

func respondsWithStatus(t *testing.T, s test.Setup, method, path string, headers map[string]string, body []byte, contentType string, expectedStatus int) {
	t.Helper()
	resp := publishRequest(t, s, path, headers, body, contentType)
	if resp.Code != expectedStatus {
		t.Errorf("%s %s: expected status %d, got %d: %s", method, path, expectedStatus, resp.Code, resp.Body.String())
	}
}
