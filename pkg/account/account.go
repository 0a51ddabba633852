// Package account describes the user identity that scopes per-user stores.
//
// Identity management itself lives outside this module; callers supply a
// Provider that reports the current user.
package account

import (
	"fmt"
	"strings"
)

// DefaultCommunity is the community segment used when a user has none.
const DefaultCommunity = "internal"

// User identifies one signed-in account.
type User struct {
	UserID      string `yaml:"id" json:"id"`
	OrgID       string `yaml:"org" json:"org"`
	CommunityID string `yaml:"community,omitempty" json:"community,omitempty"`
}

// Validate checks that the identity can be used to build paths.
func (u User) Validate() error {
	for field, v := range map[string]string{"id": u.UserID, "org": u.OrgID} {
		if v == "" {
			return fmt.Errorf("account: %s is required", field)
		}
	}
	for _, v := range []string{u.UserID, u.OrgID, u.CommunityID} {
		if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("account: invalid identifier %q", v)
		}
	}
	return nil
}

// Community returns the community segment, defaulting to DefaultCommunity.
func (u User) Community() string {
	if u.CommunityID == "" {
		return DefaultCommunity
	}
	return u.CommunityID
}

// ScopeKey is the registry key for this user's stores.
func (u User) ScopeKey() string {
	return u.OrgID + "-" + u.UserID + "-" + u.Community()
}

// PathSegments returns the directory components below the store root.
func (u User) PathSegments() []string {
	return []string{u.OrgID, u.UserID, u.Community()}
}

func (u User) String() string {
	return u.ScopeKey()
}

// Provider reports the current user, if any.
type Provider interface {
	CurrentUser() (User, bool)
}

// Static is a Provider with a fixed answer.
type Static struct {
	User *User
}

// CurrentUser implements Provider.
func (s Static) CurrentUser() (User, bool) {
	if s.User == nil {
		return User{}, false
	}
	return *s.User, true
}
