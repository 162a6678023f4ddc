package oauthflow

import "errors"

var (
	// ErrInvalidState is returned when a callback's state does not match a
	// stored transaction. Unknown, replayed and forged states are treated
	// identically as a CSRF signal.
	ErrInvalidState = errors.New("invalid or unknown state")

	// ErrInvalidGrant is returned when the provider rejects a code,
	// verifier or refresh token.
	ErrInvalidGrant = errors.New("provider rejected the grant")

	// ErrUpstreamUnavailable is returned for network or 5xx failures
	// talking to the provider. Retryable.
	ErrUpstreamUnavailable = errors.New("authorization provider unavailable")

	// ErrSessionGone is returned when the session bound to a flow was
	// removed, typically by the idle sweep during a network exchange.
	ErrSessionGone = errors.New("session no longer exists")

	// ErrNotRefreshable is returned when a session holds no usable refresh
	// token for an expired access token.
	ErrNotRefreshable = errors.New("session has no usable refresh token")
)
