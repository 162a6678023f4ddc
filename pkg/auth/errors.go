package auth

import "errors"

// Error taxonomy shared across the gateway. Components keep their own
// sentinels for provider-facing failures (see pkg/oauthflow); these cover
// what a caller of the gateway can observe.
var (
	// ErrUnauthenticated means no usable credential was resolved.
	ErrUnauthenticated = errors.New("no usable credential")

	// ErrInvalidToken is the single unified outcome for every bearer
	// verification failure: unresolvable key, bad signature, wrong issuer
	// or audience, disallowed algorithm, malformed or expired token. The
	// distinction lives in logs only, never in responses.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrInvalidRequest means a malformed protocol frame or header.
	ErrInvalidRequest = errors.New("invalid request")
)
