// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/audittools"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/strawhub/strawhub/internal/classify"
	"github.com/strawhub/strawhub/internal/models"
	"github.com/strawhub/strawhub/internal/strawhub"
	"github.com/strawhub/strawhub/internal/virustotal"
)

const (
	// pollInitialDelay is the time between a scan submission and the first
	// poll, and also the base value for the poll backoff.
	pollInitialDelay = 1 * time.Minute
	// pollMaxDelay caps the poll backoff.
	pollMaxDelay = 5 * time.Minute
	// pollMaxAttempts bounds how often one analysis is polled before the scan
	// counts as timed out.
	pollMaxAttempts = 30
)

// pollDelay computes the backoff before the next poll, given how many polls
// have already happened for this analysis.
func pollDelay(pollAttempt int) time.Duration {
	delay := time.Duration(float64(pollInitialDelay) * math.Pow(1.5, float64(pollAttempt)))
	return min(delay, pollMaxDelay)
}

////////////////////////////////////////////////////////////////////////////////
// SubmitPendingScanJob

var submitScanSelectQuery = sqlext.SimplifyWhitespace(`
	SELECT sr.* FROM scan_records sr
		JOIN versions v ON v.id = sr.version_id
		JOIN skills  s ON s.id = v.skill_id
	WHERE sr.status = 'pending' AND v.deleted_at IS NULL AND s.deleted_at IS NULL
	ORDER BY sr.created_at ASC
	-- only one version at a time
	LIMIT 1
`)

// Every status write below is guarded by the status that the record had when
// the task picked it up. If a concurrent actor (e.g. a racing second janitor,
// or a moderator resetting the record) changed the status in the meantime,
// the write becomes a no-op instead of a lost update.
var submitFinishQuery = sqlext.SimplifyWhitespace(`
	UPDATE scan_records SET status = $1, message = $2
		WHERE version_id = $3 AND status = 'pending'
`)

var submitSuccessQuery = sqlext.SimplifyWhitespace(`
	UPDATE scan_records SET status = 'scanning', analysis_id = $1, message = '', poll_attempt = 0, next_poll_at = $2
		WHERE version_id = $3 AND status = 'pending'
`)

// SubmitPendingScanJob is a job. Each task finds a freshly uploaded skill
// version and decides whether its archive needs a malware scan, submitting
// the archive to the scanning provider if so. Versions whose files are all
// plain text skip the scan entirely.
func (j *Janitor) SubmitPendingScanJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[models.ScanRecord]{
		Metadata: jobloop.JobMetadata{
			ReadableName: "submit pending malware scans",
			CounterOpts: prometheus.CounterOpts{
				Name: "strawhub_scan_submissions",
				Help: "Counter for malware scan submissions of uploaded skill versions.",
			},
		},
		DiscoverTask: func(_ context.Context, _ prometheus.Labels) (sr models.ScanRecord, err error) {
			err = j.db.SelectOne(&sr, submitScanSelectQuery)
			return sr, err
		},
		ProcessTask: j.submitScan,
	}).Setup(registerer)
}

func (j *Janitor) submitScan(ctx context.Context, sr models.ScanRecord, _ prometheus.Labels) error {
	version, err := strawhub.FindVersionByID(j.db, sr.VersionID)
	if err != nil {
		return err
	}
	skill, err := strawhub.FindSkillByID(j.db, version.SkillID)
	if err != nil {
		return err
	}

	// a version without a stored archive cannot be scanned, and retrying will
	// not make the archive appear
	if version.ArchiveStorageID == "" {
		return j.finishSubmit(sr, models.ErrorScanStatus, "no archive stored for this version")
	}

	allText, err := j.versionIsAllText(ctx, *version)
	if err != nil {
		return err
	}
	if allText {
		return j.finishSubmit(sr, models.SkippedScanStatus, "all files are plain text")
	}

	// byte-identical archives reuse an earlier verdict instead of spending
	// provider quota on a scan with a foregone conclusion
	if verdict := j.cachedVerdict(ctx, version.ArchiveDigest); verdict != nil {
		return j.applyVerdict(sr, *skill, *verdict, verdictWriteParams{
			ExpectedStatus: models.PendingScanStatus,
			Message:        "verdict reused from identical previously scanned archive",
			TaskName:       "submit-scan",
		})
	}

	// a missing credential lands in "rate_limited" rather than "error" because
	// it is an operational condition that a moderator can retry after fixing
	// the deployment, not a defect of the version
	if j.vt == nil {
		return j.finishSubmit(sr, models.RateLimitedScanStatus, "scanning provider credential is not configured")
	}

	archiveContents, err := j.sd.ReadBlob(ctx, version.ArchiveStorageID)
	if err != nil {
		return j.finishSubmit(sr, models.ErrorScanStatus, fmt.Sprintf("cannot read archive: %s", err.Error()))
	}

	analysisID, err := j.vt.UploadFile(ctx, archiveContents, version.ArchiveName(skill.Name))
	var rateLimitErr virustotal.RateLimitError
	switch {
	case err == nil:
		firstPollAt := j.timeNow().Add(pollInitialDelay)
		return j.expectExactlyOneRow(j.db.Exec(submitSuccessQuery, analysisID, firstPollAt, sr.VersionID))
	case errors.As(err, &rateLimitErr):
		return j.finishSubmit(sr, models.RateLimitedScanStatus, "scanning provider quota is exhausted")
	default:
		return j.finishSubmit(sr, models.ErrorScanStatus, fmt.Sprintf("scan submission failed: %s", err.Error()))
	}
}

// versionIsAllText runs the classifier over the version's files. File
// contents are read lazily from blob storage because the extension check
// rejects most binary files without looking at their content.
func (j *Janitor) versionIsAllText(ctx context.Context, version models.SkillVersion) (bool, error) {
	var files []models.VersionFile
	_, err := j.db.Select(&files, `SELECT * FROM version_files WHERE version_id = $1 ORDER BY path`, version.ID)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		// nothing to classify; fall through to the scan path
		return false, nil
	}

	storageIDs := make(map[string]string, len(files))
	filePaths := make([]string, len(files))
	for idx, file := range files {
		filePaths[idx] = file.Path
		storageIDs[file.Path] = file.StorageID
	}
	readFile := func(filePath string) ([]byte, error) {
		return j.sd.ReadBlob(ctx, storageIDs[filePath])
	}
	return classify.IsAllText(filePaths, readFile), nil
}

func (j *Janitor) finishSubmit(sr models.ScanRecord, status models.ScanStatus, message string) error {
	return j.expectExactlyOneRow(j.db.Exec(submitFinishQuery, status, message, sr.VersionID))
}

// expectExactlyOneRow handles the outcome of a guarded status write. Zero
// affected rows means that the record was modified concurrently; the write is
// dropped and the record is left to whatever state won the race.
func (j *Janitor) expectExactlyOneRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		logg.Info("skipping scan status write: record was changed concurrently")
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// PollScanJob

var pollScanSelectQuery = sqlext.SimplifyWhitespace(`
	SELECT sr.* FROM scan_records sr
		JOIN versions v ON v.id = sr.version_id
		JOIN skills  s ON s.id = v.skill_id
	WHERE sr.status = 'scanning' AND sr.next_poll_at <= $1
		AND v.deleted_at IS NULL AND s.deleted_at IS NULL
	ORDER BY sr.next_poll_at ASC
	-- only one version at a time
	LIMIT 1
`)

// Poll writes additionally check the analysis ID, so that a poll scheduled
// for a superseded scan attempt cannot touch the record of a newer attempt.
var pollFinishQuery = sqlext.SimplifyWhitespace(`
	UPDATE scan_records SET status = $1, message = $2, next_poll_at = NULL
		WHERE version_id = $3 AND status = 'scanning' AND analysis_id = $4
`)

var pollRescheduleQuery = sqlext.SimplifyWhitespace(`
	UPDATE scan_records SET poll_attempt = $1, next_poll_at = $2
		WHERE version_id = $3 AND status = 'scanning' AND analysis_id = $4
`)

// PollScanJob is a job. Each task finds a scan record whose next poll is due,
// asks the scanning provider for the analysis result, and either records the
// verdict or schedules the next poll with backoff.
func (j *Janitor) PollScanJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[models.ScanRecord]{
		Metadata: jobloop.JobMetadata{
			ReadableName: "poll running malware scans",
			CounterOpts: prometheus.CounterOpts{
				Name: "strawhub_scan_polls",
				Help: "Counter for result polls of running malware scans.",
			},
		},
		DiscoverTask: func(_ context.Context, _ prometheus.Labels) (sr models.ScanRecord, err error) {
			err = j.db.SelectOne(&sr, pollScanSelectQuery, j.timeNow())
			return sr, err
		},
		ProcessTask: j.pollScan,
	}).Setup(registerer)
}

func (j *Janitor) pollScan(ctx context.Context, sr models.ScanRecord, _ prometheus.Labels) error {
	if sr.PollAttempt >= pollMaxAttempts {
		return j.finishPoll(sr, models.ErrorScanStatus, "scan timed out")
	}
	if j.vt == nil {
		return j.finishPoll(sr, models.RateLimitedScanStatus, "scanning provider credential is not configured")
	}

	analysis, err := j.vt.GetAnalysis(ctx, sr.AnalysisID)
	if err != nil {
		// transient provider faults get a flat retry delay (this path is for
		// failed calls, not for "analysis not ready yet" responses)
		if sr.PollAttempt+1 >= pollMaxAttempts {
			return j.finishPoll(sr, models.ErrorScanStatus, fmt.Sprintf("cannot query scan result: %s", err.Error()))
		}
		return j.reschedulePoll(sr, pollInitialDelay)
	}

	if analysis.Status != virustotal.CompletedAnalysisStatus {
		return j.reschedulePoll(sr, pollDelay(sr.PollAttempt))
	}

	version, err := strawhub.FindVersionByID(j.db, sr.VersionID)
	if err != nil {
		return err
	}
	skill, err := strawhub.FindSkillByID(j.db, version.SkillID)
	if err != nil {
		return err
	}

	verdict := scanVerdict{
		Positives: analysis.Stats.Positives(),
		Total:     analysis.Stats.Total(),
		Permalink: analysis.Permalink,
	}
	err = j.applyVerdict(sr, *skill, verdict, verdictWriteParams{
		ExpectedStatus:     models.ScanningScanStatus,
		ExpectedAnalysisID: sr.AnalysisID,
		TaskName:           "poll-scan",
	})
	if err != nil {
		return err
	}
	j.storeVerdict(ctx, version.ArchiveDigest, verdict)
	return nil
}

func (j *Janitor) finishPoll(sr models.ScanRecord, status models.ScanStatus, message string) error {
	return j.expectExactlyOneRow(j.db.Exec(pollFinishQuery, status, message, sr.VersionID, sr.AnalysisID))
}

func (j *Janitor) reschedulePoll(sr models.ScanRecord, delay time.Duration) error {
	nextPollAt := j.timeNow().Add(delay)
	return j.expectExactlyOneRow(j.db.Exec(pollRescheduleQuery, sr.PollAttempt+1, nextPollAt, sr.VersionID, sr.AnalysisID))
}

////////////////////////////////////////////////////////////////////////////////
// verdicts

// scanVerdict is a terminal scan result. It doubles as the payload format of
// the Redis verdict cache, keyed by archive digest.
type scanVerdict struct {
	Positives int    `json:"positives"`
	Total     int    `json:"total"`
	Permalink string `json:"permalink"`
}

func (v scanVerdict) status() models.ScanStatus {
	if v.Positives > 0 {
		return models.FlaggedScanStatus
	}
	return models.CleanScanStatus
}

type verdictWriteParams struct {
	ExpectedStatus     models.ScanStatus
	ExpectedAnalysisID string
	Message            string
	TaskName           string
}

var applyVerdictQuery = sqlext.SimplifyWhitespace(`
	UPDATE scan_records SET status = $1, positives = $2, total = $3, permalink = $4, scanned_at = $5, message = $6, next_poll_at = NULL
		WHERE version_id = $7 AND status = $8 AND analysis_id = $9
`)

// applyVerdict writes a terminal scan verdict into the scan record. A flagged
// verdict also hides the parent skill; both writes commit in the same
// transaction so that a flagged version is never publicly visible.
func (j *Janitor) applyVerdict(sr models.ScanRecord, skill models.Skill, verdict scanVerdict, params verdictWriteParams) error {
	status := verdict.status()
	now := j.timeNow()

	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	result, err := tx.Exec(applyVerdictQuery,
		status, verdict.Positives, verdict.Total, verdict.Permalink, now, params.Message,
		sr.VersionID, params.ExpectedStatus, params.ExpectedAnalysisID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// a late poll raced with a concurrent reset or retrigger; the verdict
		// belongs to a superseded attempt and is dropped
		logg.Info("skipping verdict for version %d: record was changed concurrently", sr.VersionID)
		return nil
	}

	skillWasHidden := false
	if status == models.FlaggedScanStatus && skill.ModerationStatus == models.ActiveModerationStatus {
		_, err = tx.Exec(`UPDATE skills SET moderation_status = $1 WHERE id = $2`,
			models.HiddenModerationStatus, skill.ID)
		if err != nil {
			return err
		}
		skillWasHidden = true
	}

	err = tx.Commit()
	if err != nil {
		return err
	}

	if skillWasHidden {
		logg.Info("hiding skill %q: scan of version %d reported %d positives",
			skill.Name, sr.VersionID, verdict.Positives)
		j.auditor.Record(audittools.EventParameters{
			Time:       now,
			Request:    janitorDummyRequest,
			User:       janitorUserInfo{TaskName: params.TaskName},
			ReasonCode: http.StatusOK,
			Action:     cadf.UpdateAction,
			Target:     auditFlaggedSkill{Skill: skill, VersionID: sr.VersionID, Verdict: verdict},
		})
	}
	return nil
}

// auditFlaggedSkill renders the target of the audit event that is generated
// when a flagged scan hides a skill.
type auditFlaggedSkill struct {
	Skill     models.Skill
	VersionID int64
	Verdict   scanVerdict
}

// Render implements the audittools.TargetRenderer interface.
func (t auditFlaggedSkill) Render() cadf.Resource {
	verdictJSON, _ := json.Marshal(t.Verdict)
	return cadf.Resource{
		TypeURI:   "service/skill-registry/skill",
		ID:        strconv.FormatInt(t.Skill.ID, 10),
		Name:      t.Skill.Name,
		DomainID:  "strawhub",
		ProjectID: strconv.FormatInt(t.VersionID, 10),
		Attachments: []cadf.Attachment{{
			Name:    "scan-verdict",
			TypeURI: "mime:application/json",
			Content: string(verdictJSON),
		}},
	}
}

////////////////////////////////////////////////////////////////////////////////
// verdict cache

const verdictCacheTTL = 30 * 24 * time.Hour

func verdictCacheKey(archiveDigest digest.Digest) string {
	return "scan-verdict:" + archiveDigest.String()
}

// cachedVerdict looks up a previous verdict for a byte-identical archive.
// Cache failures only disable the optimization; they never block scanning.
func (j *Janitor) cachedVerdict(ctx context.Context, archiveDigest digest.Digest) *scanVerdict {
	if j.verdictCache == nil || archiveDigest == "" {
		return nil
	}
	buf, err := j.verdictCache.Get(ctx, verdictCacheKey(archiveDigest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		logg.Error("cannot read verdict cache: %s", err.Error())
		return nil
	}
	var verdict scanVerdict
	err = json.Unmarshal(buf, &verdict)
	if err != nil {
		logg.Error("cannot decode cached verdict: %s", err.Error())
		return nil
	}
	return &verdict
}

func (j *Janitor) storeVerdict(ctx context.Context, archiveDigest digest.Digest, verdict scanVerdict) {
	if j.verdictCache == nil || archiveDigest == "" {
		return
	}
	buf, err := json.Marshal(verdict)
	if err == nil {
		err = j.verdictCache.Set(ctx, verdictCacheKey(archiveDigest), buf, verdictCacheTTL).Err()
	}
	if err != nil {
		logg.Error("cannot write verdict cache: %s", err.Error())
	}
}
