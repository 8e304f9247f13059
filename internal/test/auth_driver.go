// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"net/http"
	"slices"
	"strings"

	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/audittools"

	"github.com/strawhub/strawhub/internal/strawhub"
)

func init() {
	strawhub.RegisterAuthDriver("unittest", func() (strawhub.AuthDriver, error) {
		return AuthDriver{}, nil
	})
}

// AuthDriver (driver name "unittest") is a strawhub.AuthDriver for unit
// tests. It believes the X-Test-Username and X-Test-Perms headers without
// checking any credentials.
type AuthDriver struct{}

// AuthenticateRequest implements the strawhub.AuthDriver interface.
func (d AuthDriver) AuthenticateRequest(r *http.Request) (strawhub.UserIdentity, error) {
	userName := r.Header.Get("X-Test-Username")
	if userName == "" {
		return nil, nil
	}
	uid := userIdentity{Name: userName}
	if perms := r.Header.Get("X-Test-Perms"); perms != "" {
		uid.Perms = strings.Split(perms, ",")
	}
	return uid, nil
}

type userIdentity struct {
	Name  string
	Perms []string
}

func (uid userIdentity) HasPermission(perm strawhub.Permission) bool {
	return slices.Contains(uid.Perms, string(perm))
}

func (uid userIdentity) UserName() string {
	return uid.Name
}

func (uid userIdentity) UserInfo() audittools.UserInfo {
	return userInfo{uid.Name}
}

// userInfo is an audittools.NonStandardUserInfo.
type userInfo struct {
	Name string
}

func (u userInfo) AsInitiator() cadf.Resource {
	return cadf.Resource{
		TypeURI: "service/skill-registry/user",
		Name:    u.Name,
		ID:      u.Name,
		Domain:  "strawhub",
	}
}

func (u userInfo) UserUUID() string                { return u.Name }
func (u userInfo) UserName() string                { return u.Name }
func (u userInfo) UserDomainName() string          { return "" }
func (u userInfo) ProjectScopeUUID() string        { return "" }
func (u userInfo) ProjectScopeName() string        { return "" }
func (u userInfo) ProjectScopeDomainName() string  { return "" }
func (u userInfo) DomainScopeUUID() string         { return "" }
func (u userInfo) DomainScopeName() string         { return "" }
func (u userInfo) ApplicationCredentialID() string { return "" }
