// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package basic

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/audittools"
	"github.com/sapcc/go-bits/osext"

	"github.com/strawhub/strawhub/internal/strawhub"
)

func init() {
	strawhub.RegisterAuthDriver("static", func() (strawhub.AuthDriver, error) {
		return newAuthDriver()
	})
}

// AuthDriver (driver name "static") is a strawhub.AuthDriver that checks
// bearer tokens against a statically configured token list.
//
// The STRAWHUB_API_TOKENS environment variable holds a JSON object mapping
// each token to the identity it authenticates, e.g.:
//
//	{"s3cr3t": {"name": "jane", "permissions": ["publish"]}}
type AuthDriver struct {
	identities map[string]staticIdentity
}

type staticIdentity struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func newAuthDriver() (*AuthDriver, error) {
	d := &AuthDriver{}
	err := json.Unmarshal([]byte(osext.MustGetenv("STRAWHUB_API_TOKENS")), &d.identities)
	if err != nil {
		return nil, fmt.Errorf("cannot parse STRAWHUB_API_TOKENS: %w", err)
	}
	for token, identity := range d.identities {
		if identity.Name == "" {
			return nil, fmt.Errorf("identity for token %q has no name", truncateToken(token))
		}
	}
	return d, nil
}

func truncateToken(token string) string {
	if len(token) > 4 {
		return token[:4] + "..."
	}
	return token
}

// AuthenticateRequest implements the strawhub.AuthDriver interface.
func (d *AuthDriver) AuthenticateRequest(r *http.Request) (strawhub.UserIdentity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, nil
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return nil, errors.New("unsupported Authorization header format")
	}

	identity, exists := d.identities[token]
	if !exists {
		return nil, errors.New("no such API token")
	}
	return userIdentity{identity}, nil
}

type userIdentity struct {
	identity staticIdentity
}

// HasPermission implements the strawhub.UserIdentity interface.
func (uid userIdentity) HasPermission(perm strawhub.Permission) bool {
	for _, p := range uid.identity.Permissions {
		if p == string(perm) {
			return true
		}
	}
	return false
}

// UserName implements the strawhub.UserIdentity interface.
func (uid userIdentity) UserName() string {
	return uid.identity.Name
}

// UserInfo implements the strawhub.UserIdentity interface.
func (uid userIdentity) UserInfo() audittools.UserInfo {
	return userInfo{uid.identity.Name}
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

// Implementation of the audittools.UserInfo interface. All scope fields are
// empty since static tokens do not carry Keystone-style scopes.
func (u userInfo) UserUUID() string                { return u.Name }
func (u userInfo) UserName() string                { return u.Name }
func (u userInfo) UserDomainName() string          { return "" }
func (u userInfo) ProjectScopeUUID() string        { return "" }
func (u userInfo) ProjectScopeName() string        { return "" }
func (u userInfo) ProjectScopeDomainName() string  { return "" }
func (u userInfo) DomainScopeUUID() string         { return "" }
func (u userInfo) DomainScopeName() string         { return "" }
func (u userInfo) ApplicationCredentialID() string { return "" }
