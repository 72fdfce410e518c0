package session

import (
	"strings"
	"time"
)

// Role is the caller's platform role.
type Role string

const (
	RoleMember    Role = "MEMBER"
	RoleAdmin     Role = "ADMIN"
	RolePresident Role = "PRESIDENT"
	RoleManager   Role = "MANAGER"
)

// ParseRole normalises a role claim ("ROLE_ADMIN", "admin") to a Role.
// Unknown values map to RoleMember.
func ParseRole(s string) Role {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "ROLE_")
	switch Role(s) {
	case RoleAdmin, RolePresident, RoleManager:
		return Role(s)
	default:
		return RoleMember
	}
}

// Officer reports whether the role may approve or reject membership requests.
func (r Role) Officer() bool {
	return r == RolePresident || r == RoleManager || r == RoleAdmin
}

// TokenPair is what login and refresh hand back.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Profile is the cached current-user projection.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// Session is the authenticated identity held by the Manager.
// It is always handed out by value.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Role         Role
	// ExpiresAt is derived from the token payload; zero when unknown.
	ExpiresAt time.Time
	Profile   Profile
}

// Expired reports whether the access token is past its expiry at now.
// Sessions with an unknown expiry are never considered expired.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func buildSession(pair TokenPair, profile Profile) Session {
	s := Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		UserID:       profile.ID,
		Role:         profile.Role,
		Profile:      profile,
	}
	if c, err := ParseClaims(pair.AccessToken); err == nil {
		if c.UserID != "" {
			s.UserID = c.UserID
		}
		if c.Role != "" {
			s.Role = c.Role
		}
		s.ExpiresAt = c.ExpiresAt
	}
	if s.Role == "" {
		s.Role = RoleMember
	}
	if s.Profile.ID == "" {
		s.Profile.ID = s.UserID
	}
	if s.Profile.Role == "" {
		s.Profile.Role = s.Role
	}
	return s
}
