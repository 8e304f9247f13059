// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package strawhub

import (
	"errors"
	"net/http"

	"github.com/sapcc/go-bits/audittools"
)

// Permission is an enum used by UserIdentity.
type Permission string

const (
	// CanViewScans allows to see scan result details and the moderation queue.
	CanViewScans Permission = "viewscans"
	// CanModerate allows to retrigger scans and change moderation statuses.
	CanModerate Permission = "moderate"
	// CanPublish allows to publish new skill versions.
	CanPublish Permission = "publish"
)

// UserIdentity describes the identity of a user that was authenticated by an
// AuthDriver.
type UserIdentity interface {
	HasPermission(perm Permission) bool
	// UserName returns the name of the user for log messages.
	UserName() string
	// UserInfo returns the audittools.UserInfo for this user, for rendering
	// audit events. May return nil if no audit events shall be generated.
	UserInfo() audittools.UserInfo
}

// AuthDriver is the abstract interface for a method of authenticating API
// requests.
type AuthDriver interface {
	// AuthenticateRequest reads credentials from the given incoming HTTP
	// request. If the request carries no credentials at all, (nil, nil) is
	// returned and the caller decides whether anonymous access is acceptable.
	AuthenticateRequest(r *http.Request) (UserIdentity, error)
}

var authDriverFactories = make(map[string]func() (AuthDriver, error))

// NewAuthDriver creates a new AuthDriver using one of the factory functions
// registered with RegisterAuthDriver().
func NewAuthDriver(name string) (AuthDriver, error) {
	factory := authDriverFactories[name]
	if factory != nil {
		return factory()
	}
	return nil, errors.New("no such auth driver: " + name)
}

// RegisterAuthDriver registers an AuthDriver. Call this from func init() of
// the package defining the AuthDriver.
func RegisterAuthDriver(name string, factory func() (AuthDriver, error)) {
	if _, exists := authDriverFactories[name]; exists {
		panic("attempted to register multiple auth drivers with name = " + name)
	}
	authDriverFactories[name] = factory
}
