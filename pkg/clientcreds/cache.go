// Package clientcreds obtains and caches an application-level access token
// via the OAuth client_credentials grant. The cached token is renewed ahead
// of its real expiry so callers never receive a token about to lapse.
package clientcreds

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// renewalMargin is subtracted from the provider's expiry so a token is
	// replaced before it actually lapses.
	renewalMargin = 60 * time.Second

	// defaultHTTPTimeout bounds calls to the token endpoint.
	defaultHTTPTimeout = 15 * time.Second

	// fallbackLifetime is assumed when the provider omits expires_in.
	fallbackLifetime = time.Hour
)

// Config configures the client-credentials cache.
type Config struct {
	// TokenURL is the provider's token endpoint.
	TokenURL string

	// ClientID and ClientSecret authenticate the application via HTTP Basic.
	ClientID     string
	ClientSecret string

	// Scopes requested for the application token.
	Scopes []string

	// HTTPTimeout bounds token endpoint calls. Zero means defaultHTTPTimeout.
	HTTPTimeout time.Duration
}

// AppToken is an application-level access token.
type AppToken struct {
	// AccessToken is the bearer token value.
	AccessToken string

	// FromCache reports whether the token was served from cache rather than
	// freshly obtained from the provider.
	FromCache bool
}

// cached is replaced wholesale on renewal, never mutated in place.
type cached struct {
	accessToken string
	expiresAt   time.Time
}

// Cache is a process-wide client-credentials token cache.
// It is safe for concurrent use.
type Cache struct {
	cc         clientcredentials.Config
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	entry *cached
}

// New creates a client-credentials cache.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &Cache{
		cc: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Token returns a valid application token, from cache when the cached entry
// is still inside its safety margin. A failed renewal returns an error and
// leaves any existing cache entry untouched; a stale-but-valid entry is never
// evicted by a failed attempt. Callers treat an error as "credentials flow
// unavailable now".
func (c *Cache) Token(ctx context.Context) (*AppToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry != nil && time.Now().Before(c.entry.expiresAt) {
		return &AppToken{AccessToken: c.entry.accessToken, FromCache: true}, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.cc.Token(ctx)
	if err != nil {
		c.logger.Warn("clientcreds: token request failed", "error", err)
		return nil, fmt.Errorf("requesting client-credentials token: %w", err)
	}

	expiresAt := tok.Expiry.Add(-renewalMargin)
	if tok.Expiry.IsZero() {
		expiresAt = time.Now().Add(fallbackLifetime - renewalMargin)
	}
	c.entry = &cached{
		accessToken: tok.AccessToken,
		expiresAt:   expiresAt,
	}

	return &AppToken{AccessToken: tok.AccessToken, FromCache: false}, nil
}
