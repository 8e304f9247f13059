// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"
)

// ModerationStatus is an enum. It appears in the Skill type.
type ModerationStatus string

const (
	// ActiveModerationStatus is a ModerationStatus for skills that are publicly visible.
	ActiveModerationStatus ModerationStatus = "active"
	// HiddenModerationStatus is a ModerationStatus for skills that were taken out
	// of public listings, either by a moderator or by a flagged malware scan.
	HiddenModerationStatus ModerationStatus = "hidden"
	// RemovedModerationStatus is a ModerationStatus for skills that were
	// permanently removed by a moderator.
	RemovedModerationStatus ModerationStatus = "removed"
)

// Skill contains a record from the `skills` table.
type Skill struct {
	ID               int64            `db:"id"`
	Name             string           `db:"name"`
	DisplayName      string           `db:"display_name"`
	Owner            string           `db:"owner"`
	ModerationStatus ModerationStatus `db:"moderation_status"`
	LatestVersionID  *int64           `db:"latest_version_id"` // maintained by processor.PublishVersion
	CreatedAt        time.Time        `db:"created_at"`
	DeletedAt        *time.Time       `db:"deleted_at"`
}
