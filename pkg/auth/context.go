// Package auth resolves the identity behind every inbound call. It verifies
// bearer tokens against the provider's published key set and implements the
// priority chain that falls back from bearer to session to application
// credentials.
package auth

import "context"

// contextKey is a private type for context keys.
type contextKey int

const (
	authContextKey contextKey = iota
)

// UserIdentity is the user behind a resolved credential, when known.
type UserIdentity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Context is the normalized authenticated context handed to the tool
// execution layer. The tool layer never touches sessions, OTPs or the OAuth
// flow directly.
type Context struct {
	// AccessToken is the resolved bearer token.
	AccessToken string

	// Claims are the token's decoded claims, when available.
	Claims map[string]any

	// FromCache reports whether the token came from the client-credentials
	// cache rather than a fresh exchange or a user credential.
	FromCache bool

	// Source records which step of the priority chain produced the token:
	// "bearer", "session" or "client_credentials".
	Source string

	// User is the user identity, nil for application-level tokens.
	User *UserIdentity
}

// WithContext attaches an authenticated context to ctx.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext retrieves the authenticated context, or nil.
func FromContext(ctx context.Context) *Context {
	if ac, ok := ctx.Value(authContextKey).(*Context); ok {
		return ac
	}
	return nil
}
