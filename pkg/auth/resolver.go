package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/txn2/mcp-game-gateway/pkg/clientcreds"
	"github.com/txn2/mcp-game-gateway/pkg/session"
)

// Mode selects how step 2 of the priority chain finds a session identity.
// It is resolved once at startup, never re-read per request.
type Mode string

const (
	// ModeHTTP reads the streaming-transport session id from the request.
	ModeHTTP Mode = "http"

	// ModeLocal uses a single auto-created local session, for deployments
	// without a network listener in front of the tool layer.
	ModeLocal Mode = "local"
)

const (
	// SessionIDHeader is the streaming-transport session header.
	SessionIDHeader = "Mcp-Session-Id"

	// defaultCookieName carries a bearer token for browser clients that
	// can not set an Authorization header.
	defaultCookieName = "mcp_access_token"
)

// TokenVerifier verifies a bearer token and returns its claims.
// Satisfied by *Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (map[string]any, error)
}

// SessionSource is the slice of the session store the resolver reads.
// Satisfied by *session.Store.
type SessionSource interface {
	Get(token string) *session.Session
}

// TokenRefresher exchanges a session's refresh token for a fresh access
// token. Satisfied by *oauthflow.Flow.
type TokenRefresher interface {
	Refresh(ctx context.Context, sessionToken string) (string, error)
}

// AppTokenSource yields application-level tokens.
// Satisfied by *clientcreds.Cache.
type AppTokenSource interface {
	Token(ctx context.Context) (*clientcreds.AppToken, error)
}

// ResolverConfig configures the priority chain. The stateless deployment
// mode is this same resolver with session and client-credentials steps
// disabled, not separate code.
type ResolverConfig struct {
	// Mode selects the session-identity source for step 2.
	Mode Mode

	// LocalSessionToken is the auto-created session used in ModeLocal.
	LocalSessionToken string

	// EnableSessionAuth enables step 2 of the chain.
	EnableSessionAuth bool

	// EnableClientCredentials enables the step-3 fallback.
	EnableClientCredentials bool

	// CookieName overrides the bearer cookie name.
	CookieName string

	// ResourceMetadataURL is advertised in WWW-Authenticate challenges,
	// pointing at /.well-known/oauth-protected-resource.
	ResourceMetadataURL string
}

var (
	_ TokenVerifier  = (*Verifier)(nil)
	_ SessionSource  = (*session.Store)(nil)
	_ AppTokenSource = (*clientcreds.Cache)(nil)
)

// Resolver resolves the identity for every inbound call in strict priority
// order: bearer token, then session, then client-credentials fallback.
type Resolver struct {
	cfg       ResolverConfig
	verifier  TokenVerifier
	sessions  SessionSource
	refresher TokenRefresher
	appTokens AppTokenSource
	logger    *slog.Logger
}

// NewResolver creates a Resolver. sessions, refresher and appTokens may be
// nil when the corresponding chain step is disabled.
func NewResolver(cfg ResolverConfig, verifier TokenVerifier, sessions SessionSource,
	refresher TokenRefresher, appTokens AppTokenSource, logger *slog.Logger) *Resolver {
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:       cfg,
		verifier:  verifier,
		sessions:  sessions,
		refresher: refresher,
		appTokens: appTokens,
		logger:    logger,
	}
}

// Resolve walks the priority chain and returns the authenticated context for
// the request. The first step that yields a usable token wins; a step that
// fails is remembered and the chain continues.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Context, error) {
	var lastErr error

	// 1. Bearer token from the Authorization header or secure cookie.
	if raw := r.bearerFromRequest(req); raw != "" {
		claims, err := r.verifier.Verify(ctx, raw)
		if err == nil {
			return &Context{
				AccessToken: raw,
				Claims:      claims,
				Source:      "bearer",
				User:        identityFromClaims(claims),
			}, nil
		}
		lastErr = err
	}

	// 2. Session identity, refreshing an expired access token first.
	if r.cfg.EnableSessionAuth {
		if ac, err := r.resolveSession(ctx, req); ac != nil {
			return ac, nil
		} else if err != nil {
			lastErr = err
		}
	}

	// 3. Application-level fallback.
	if r.cfg.EnableClientCredentials {
		app, err := r.appTokens.Token(ctx)
		if err == nil {
			return &Context{
				AccessToken: app.AccessToken,
				FromCache:   app.FromCache,
				Source:      "client_credentials",
			}, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		r.logger.Debug("auth: request unauthenticated", "error", lastErr)
	}
	return nil, ErrUnauthenticated
}

// resolveSession implements step 2 of the chain.
func (r *Resolver) resolveSession(ctx context.Context, req *http.Request) (*Context, error) {
	token := r.cfg.LocalSessionToken
	if r.cfg.Mode == ModeHTTP {
		token = req.Header.Get(SessionIDHeader)
	}
	if token == "" {
		return nil, nil
	}

	sess := r.sessions.Get(token)
	if sess == nil || sess.Status != session.StatusAuthenticated {
		return nil, nil
	}

	access := sess.AccessToken
	if sess.AccessTokenExpired() {
		refreshed, err := r.refresher.Refresh(ctx, token)
		if err != nil {
			return nil, err
		}
		access = refreshed
	}

	ac := &Context{
		AccessToken: access,
		Source:      "session",
	}
	if sess.UserID != "" {
		ac.User = &UserIdentity{UserID: sess.UserID, Email: sess.UserEmail, Name: sess.UserName}
	}

	// Claims are decoded without verification for downstream convenience;
	// the token came from our own exchange with the provider.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err == nil {
		ac.Claims = map[string]any(claims)
	}
	return ac, nil
}

// bearerFromRequest extracts a bearer token from the Authorization header,
// falling back to the configured cookie.
func (r *Resolver) bearerFromRequest(req *http.Request) string {
	authHeader := req.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return after
	}
	if cookie, err := req.Cookie(r.cfg.CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// WriteChallenge writes the 401 response for an unauthenticated call. The
// WWW-Authenticate header carries the protected-resource metadata URL (RFC
// 9728) so MCP clients can discover the OAuth flow.
func WriteChallenge(w http.ResponseWriter, resourceMetadataURL string) {
	if resourceMetadataURL != "" {
		w.Header().Set("WWW-Authenticate",
			`Bearer resource_metadata="`+resourceMetadataURL+`"`)
	} else {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	http.Error(w, "Unauthorized: bearer token required", http.StatusUnauthorized)
}
