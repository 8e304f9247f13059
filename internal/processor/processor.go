// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/strawhub/strawhub/internal/strawhub"
)

// Processor is a higher-level interface wrapping strawhub.DB and
// strawhub.StorageDriver. It abstracts DB accesses into high-level
// interactions and keeps DB updates in lockstep with StorageDriver accesses.
type Processor struct {
	db      *strawhub.DB
	sd      strawhub.StorageDriver
	auditor strawhub.Auditor

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow func() time.Time
}

// New creates a new Processor.
func New(db *strawhub.DB, sd strawhub.StorageDriver, auditor strawhub.Auditor) *Processor {
	return &Processor{db, sd, auditor, time.Now}
}

// OverrideTimeNow replaces time.Now with a test double.
func (p *Processor) OverrideTimeNow(timeNow func() time.Time) *Processor {
	p.timeNow = timeNow
	return p
}

// insideTransaction executes the action callback within a database
// transaction. If the callback returns success (i.e. a nil error), the
// transaction will be committed. If it returns an error or panics, the
// transaction will be rolled back.
func (p *Processor) insideTransaction(action func(*gorp.Transaction) error) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	err = action(tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}
