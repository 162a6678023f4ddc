// Package oauthflow drives the Authorization-Code+PKCE flow against the
// upstream provider: it generates PKCE material, builds the authorization
// redirect, validates the callback, exchanges codes and refresh tokens, and
// writes the results into the session store.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/txn2/mcp-game-gateway/pkg/session"
)

const (
	// transactionMaxAge bounds how long abandoned PKCE transactions live.
	transactionMaxAge = 10 * time.Minute

	// defaultHTTPTimeout bounds calls to the provider.
	defaultHTTPTimeout = 15 * time.Second

	// fallbackAccessTTL is assumed when the provider omits expires_in.
	fallbackAccessTTL = time.Hour
)

// Config configures the flow.
type Config struct {
	// Issuer is the provider's issuer URL. Used for endpoint discovery when
	// AuthorizeURL/TokenURL are not set explicitly.
	Issuer string

	// ClientID and ClientSecret identify this gateway at the provider.
	ClientID     string
	ClientSecret string

	// AuthorizeURL and TokenURL override discovered endpoints.
	AuthorizeURL string
	TokenURL     string

	// RedirectURL is the gateway's /oauth/callback URL as seen by browsers.
	RedirectURL string

	// Scopes requested during authorization.
	Scopes []string

	// HTTPTimeout bounds provider calls. Zero means defaultHTTPTimeout.
	HTTPTimeout time.Duration
}

// SessionWriter is the slice of the session store the flow needs.
// Satisfied by *session.Store.
type SessionWriter interface {
	Get(token string) *session.Session
	SetAuthenticated(token string, creds session.Credentials, ident session.Identity) bool
	UpdateTokens(token string, creds session.Credentials) bool
	MarkExpired(token string) bool
}

// Flow orchestrates the authorization-code exchange for sessions.
type Flow struct {
	cfg        Config
	oauth      oauth2.Config
	txns       *transactionStore
	sessions   SessionWriter
	httpClient *http.Client
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Flow. When the authorization or token endpoint is not
// configured it is discovered from the issuer's OIDC metadata.
func New(ctx context.Context, cfg Config, sessions SessionWriter, logger *slog.Logger) (*Flow, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oauth client id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	endpoint := oauth2.Endpoint{AuthURL: cfg.AuthorizeURL, TokenURL: cfg.TokenURL}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		if cfg.Issuer == "" {
			return nil, fmt.Errorf("issuer is required when endpoints are not configured")
		}
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), strings.TrimSuffix(cfg.Issuer, "/"))
		if err != nil {
			return nil, fmt.Errorf("discovering provider endpoints: %w", err)
		}
		discovered := provider.Endpoint()
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}
	}

	return &Flow{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		txns:       newTransactionStore(),
		sessions:   sessions,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// AuthorizationURL builds the provider authorization redirect for a session,
// storing the PKCE transaction under the generated state.
func (f *Flow) AuthorizationURL(sessionToken string) (string, error) {
	state, err := newState(sessionToken)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	f.txns.save(state, transaction{
		verifier:     verifier,
		sessionToken: sessionToken,
		createdAt:    time.Now(),
	})

	return f.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// HandleCallback validates the callback state, exchanges the authorization
// code, and marks the bound session authenticated. The PKCE transaction is
// destroyed whatever the outcome.
func (f *Flow) HandleCallback(ctx context.Context, code, state string) error {
	txn, ok := f.txns.take(state)
	if !ok {
		f.logger.Warn("oauthflow: callback with unknown state")
		return ErrInvalidState
	}

	// The state carries the session pairing explicitly; verify it against
	// the stored transaction rather than trusting the echo.
	bound, ok := sessionFromState(state)
	if !ok || bound != txn.sessionToken {
		f.logger.Warn("oauthflow: state does not match stored transaction")
		return ErrInvalidState
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(txn.verifier))
	if err != nil {
		return f.classify("code exchange", err)
	}

	creds := credentialsFromToken(tok)
	ident := identityFromToken(tok)
	if !f.sessions.SetAuthenticated(txn.sessionToken, creds, ident) {
		f.logger.Warn("oauthflow: session vanished during code exchange")
		return ErrSessionGone
	}

	f.logger.Info("oauthflow: session authenticated", "user_id", ident.UserID)
	return nil
}

// Refresh returns a usable access token for an authenticated session,
// exchanging the refresh token when the access token has expired. On a
// failed exchange the session is marked expired.
func (f *Flow) Refresh(ctx context.Context, sessionToken string) (string, error) {
	// Read-decide happens in one step; only the exchange below suspends.
	sess := f.sessions.Get(sessionToken)
	if sess == nil {
		return "", ErrSessionGone
	}
	if sess.Status != session.StatusAuthenticated {
		return "", ErrNotRefreshable
	}
	if !sess.AccessTokenExpired() {
		return sess.AccessToken, nil
	}
	if !sess.RefreshUsable() {
		f.sessions.MarkExpired(sessionToken)
		return "", ErrNotRefreshable
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	src := f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: sess.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		f.sessions.MarkExpired(sessionToken)
		return "", f.classify("token refresh", err)
	}

	// The session may have been reaped during the exchange; that is fine,
	// the caller still gets a valid token for this request.
	if !f.sessions.UpdateTokens(sessionToken, credentialsFromToken(tok)) {
		f.logger.Debug("oauthflow: session vanished during refresh")
	}
	return tok.AccessToken, nil
}

// classify maps provider errors onto the flow's error taxonomy. Details stay
// in the log; callers only see the category.
func (f *Flow) classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
		f.logger.Warn("oauthflow: "+op+" rejected", "status", re.Response.StatusCode, "error", re.ErrorCode)
		return ErrInvalidGrant
	}
	f.logger.Warn("oauthflow: "+op+" failed", "error", err)
	return ErrUpstreamUnavailable
}

// credentialsFromToken converts a provider token response into session
// credentials, including a provider-reported refresh token lifetime when
// present (Keycloak-style refresh_expires_in).
func credentialsFromToken(tok *oauth2.Token) session.Credentials {
	accessTTL := fallbackAccessTTL
	if !tok.Expiry.IsZero() {
		accessTTL = time.Until(tok.Expiry)
	}

	var refreshTTL time.Duration
	switch v := tok.Extra("refresh_expires_in").(type) {
	case float64:
		refreshTTL = time.Duration(v) * time.Second
	case int64:
		refreshTTL = time.Duration(v) * time.Second
	}

	return session.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		AccessTTL:    accessTTL,
		RefreshTTL:   refreshTTL,
	}
}

// identityFromToken extracts user identity claims from the token response,
// preferring the ID token. Claims are decoded without signature verification
// here: they feed display fields only, authorization always re-verifies.
func identityFromToken(tok *oauth2.Token) session.Identity {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		raw = tok.AccessToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return session.Identity{}
	}

	ident := session.Identity{}
	if sub, ok := claims["sub"].(string); ok {
		ident.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}
	return ident
}

// StartSweep starts the background cleanup of abandoned PKCE transactions.
func (f *Flow) StartSweep(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.txns.cleanup(transactionMaxAge)
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit.
func (f *Flow) Close() error {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	return nil
}
