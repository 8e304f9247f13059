// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-api-declarations/cadf"

	"github.com/strawhub/strawhub/internal/strawhub"
	"github.com/strawhub/strawhub/internal/virustotal"
)

// janitorDummyRequest is put in the Request field of audit events generated
// by janitor tasks, which do not act on behalf of an HTTP request.
var janitorDummyRequest = &http.Request{URL: &url.URL{
	Scheme: "http",
	Host:   "localhost",
	Path:   "strawhub-janitor",
}}

// Janitor contains the toolbox of the strawhub-janitor process.
type Janitor struct {
	cfg     strawhub.Configuration
	db      *strawhub.DB
	sd      strawhub.StorageDriver
	auditor strawhub.Auditor

	// vt is nil when no scanning provider credential is configured
	vt *virustotal.Client
	// verdictCache is optional (see WithVerdictCache)
	verdictCache *redis.Client

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow func() time.Time
}

// NewJanitor creates a new Janitor.
func NewJanitor(cfg strawhub.Configuration, db *strawhub.DB, sd strawhub.StorageDriver, auditor strawhub.Auditor) *Janitor {
	j := &Janitor{cfg: cfg, db: db, sd: sd, auditor: auditor, timeNow: time.Now}
	if cfg.VirusTotal != nil {
		j.vt = cfg.VirusTotal.NewClient()
	}
	return j
}

// OverrideVirusTotalClient replaces the scanning provider client that was
// built from the configuration, e.g. with one whose internal retry delays are
// instrumented for unit tests.
func (j *Janitor) OverrideVirusTotalClient(vt *virustotal.Client) *Janitor {
	j.vt = vt
	return j
}

// WithVerdictCache enables reuse of scan verdicts for byte-identical archives
// through the given Redis instance.
func (j *Janitor) WithVerdictCache(client *redis.Client) *Janitor {
	j.verdictCache = client
	return j
}

// OverrideTimeNow replaces time.Now with a test double.
func (j *Janitor) OverrideTimeNow(timeNow func() time.Time) *Janitor {
	j.timeNow = timeNow
	return j
}

////////////////////////////////////////////////////////////////////////////////
// janitorUserInfo

// janitorUserInfo is an audittools.NonStandardUserInfo representing the
// strawhub-janitor (who does not have a corresponding user account). It is
// only used for generating audit events.
type janitorUserInfo struct {
	TaskName string
}

// UserUUID implements the audittools.UserInfo interface.
func (janitorUserInfo) UserUUID() string {
	return "" // unused
}

// UserName implements the audittools.UserInfo interface.
func (janitorUserInfo) UserName() string {
	return "" // unused
}

// UserDomainName implements the audittools.UserInfo interface.
func (janitorUserInfo) UserDomainName() string {
	return "" // unused
}

// ProjectScopeUUID implements the audittools.UserInfo interface.
func (janitorUserInfo) ProjectScopeUUID() string {
	return "" // unused
}

// ProjectScopeName implements the audittools.UserInfo interface.
func (janitorUserInfo) ProjectScopeName() string {
	return "" // unused
}

// ProjectScopeDomainName implements the audittools.UserInfo interface.
func (janitorUserInfo) ProjectScopeDomainName() string {
	return "" // unused
}

// DomainScopeUUID implements the audittools.UserInfo interface.
func (janitorUserInfo) DomainScopeUUID() string {
	return "" // unused
}

// DomainScopeName implements the audittools.UserInfo interface.
func (janitorUserInfo) DomainScopeName() string {
	return "" // unused
}

// ApplicationCredentialID implements the audittools.UserInfo interface.
func (janitorUserInfo) ApplicationCredentialID() string {
	return "" // unused
}

// AsInitiator implements the audittools.NonStandardUserInfo interface.
func (u janitorUserInfo) AsInitiator() cadf.Resource {
	return cadf.Resource{
		TypeURI: "service/skill-registry/janitor-task",
		Name:    u.TaskName,
		Domain:  "strawhub",
		ID:      u.TaskName,
	}
}
