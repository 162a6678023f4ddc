// Package session provides the authoritative record of a user's
// authentication state. Sessions are created pending, become authenticated
// through a successful OAuth callback, and expire through logout, a failed
// refresh, or the idle sweep.
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusPending is a session awaiting its OAuth callback.
	StatusPending Status = "pending"

	// StatusAuthenticated is a session holding provider tokens.
	StatusAuthenticated Status = "authenticated"

	// StatusExpired is a session whose tokens are gone or unusable.
	StatusExpired Status = "expired"
)

// Session represents one client's authentication lifecycle.
// Sessions are exclusively owned by the Store; other components reference
// them only by token.
type Session struct {
	// Token is the opaque, unguessable session identifier.
	Token string

	// Status is the lifecycle state.
	Status Status

	// AccessToken and RefreshToken are the provider-issued tokens.
	// Both are empty while the session is pending.
	AccessToken  string
	RefreshToken string

	// AccessExpiresAt and RefreshExpiresAt are the token expiries.
	// A zero RefreshExpiresAt means the provider did not report one.
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time

	// UserID, UserEmail and UserName are identity claims from the provider.
	// They survive logout so a re-login can be attributed.
	UserID    string
	UserEmail string
	UserName  string

	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// AccessTokenExpired reports whether the access token is past its expiry.
func (s *Session) AccessTokenExpired() bool {
	return !s.AccessExpiresAt.IsZero() && time.Now().After(s.AccessExpiresAt)
}

// RefreshUsable reports whether the session holds a refresh token that has
// not expired.
func (s *Session) RefreshUsable() bool {
	if s.RefreshToken == "" {
		return false
	}
	if s.RefreshExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(s.RefreshExpiresAt)
}

// Credentials are the provider tokens written into a session.
type Credentials struct {
	AccessToken  string
	RefreshToken string

	// AccessTTL and RefreshTTL are lifetimes relative to now.
	// A zero RefreshTTL leaves the refresh expiry unset.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Identity holds the user identity claims returned by the provider.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// AccessTokenInfo is the result of Store.AccessToken.
type AccessTokenInfo struct {
	Token   string
	Expired bool
}
