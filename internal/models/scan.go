// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// ScanStatus is an enum. It appears in the ScanRecord type.
type ScanStatus string

const (
	// PendingScanStatus means that the version was uploaded, but not submitted
	// to the scanning provider yet.
	PendingScanStatus ScanStatus = "pending"
	// SkippedScanStatus means that all files in the version were classified as
	// plain text, so no scan was performed.
	SkippedScanStatus ScanStatus = "skipped"
	// ScanningScanStatus means that the archive was submitted and we are
	// polling the provider for the result.
	ScanningScanStatus ScanStatus = "scanning"
	// CleanScanStatus means that the scan completed without findings.
	CleanScanStatus ScanStatus = "clean"
	// FlaggedScanStatus means that the scan reported positives and the parent
	// skill was hidden.
	FlaggedScanStatus ScanStatus = "flagged"
	// ErrorScanStatus means that this scan attempt failed for good
	// (e.g. missing archive, rejected submission, poll budget exhausted).
	ErrorScanStatus ScanStatus = "error"
	// RateLimitedScanStatus means that the provider's quota was exhausted, or
	// no provider credential is configured. Unlike ErrorScanStatus this is not
	// a defect of the version itself, but both are recoverable by a moderator.
	RateLimitedScanStatus ScanStatus = "rate_limited"
)

// ScanRecord contains a record from the `scan_records` table.
//
// There is exactly one ScanRecord per skill version. It is created in status
// "pending" when the version is published and only ever mutated by the
// janitor's scan jobs (or reset to "pending" through the moderation API).
type ScanRecord struct {
	VersionID  int64      `db:"version_id"`
	Status     ScanStatus `db:"status"`
	AnalysisID string     `db:"analysis_id"` // immutable for the lifetime of one scan attempt
	Positives  *int       `db:"positives"`
	Total      *int       `db:"total"`
	Permalink  string     `db:"permalink"`
	Message    string     `db:"message"`
	ScannedAt  *time.Time `db:"scanned_at"`

	// Poll scheduling state. Only set while Status is "scanning".
	PollAttempt int        `db:"poll_attempt"`
	NextPollAt  *time.Time `db:"next_poll_at"` // see tasks.PollScanJob

	CreatedAt time.Time `db:"created_at"`
}
