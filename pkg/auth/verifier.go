package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// defaultAlgorithms are accepted when none are configured.
var defaultAlgorithms = []string{"RS256"}

// jwksMinRefresh bounds how often the key set is re-fetched; rotated keys
// are picked up on the next refresh without restarting the gateway.
const jwksMinRefresh = 15 * time.Minute

// VerifierConfig configures bearer-token verification.
type VerifierConfig struct {
	// JWKSURL is the provider's published key set.
	JWKSURL string

	// Issuer is the expected iss claim.
	Issuer string

	// Audience is the expected aud claim. Empty skips the audience check.
	Audience string

	// Algorithms are the allowed signing algorithms. Empty means RS256.
	Algorithms []string
}

// Verifier validates bearer tokens by signature, issuer, audience and
// algorithm. Signing keys are resolved by key id against an auto-refreshing
// in-process JWKS cache, so a key-set fetch does not happen on every call.
type Verifier struct {
	cfg    VerifierConfig
	jwks   *jwk.Cache
	logger *slog.Logger
}

// NewVerifier creates a Verifier. The JWKS cache refreshes in the background
// until ctx is canceled.
func NewVerifier(ctx context.Context, cfg VerifierConfig, logger *slog.Logger) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("JWKS URL is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = defaultAlgorithms
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(jwksMinRefresh)); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}

	return &Verifier{cfg: cfg, jwks: cache, logger: logger}, nil
}

// Verify checks the raw token and returns its claims. Every failure mode
// collapses into ErrInvalidToken toward the caller; the cause is only
// logged, so the response can not be used as an oracle.
func (v *Verifier) Verify(ctx context.Context, raw string) (map[string]any, error) {
	parseOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.cfg.Audience))
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return v.resolveKey(ctx, t)
	}, parseOpts...)
	if err != nil {
		v.logger.Debug("auth: bearer verification failed", "error", err)
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		v.logger.Debug("auth: unexpected claims type")
		return nil, ErrInvalidToken
	}
	return map[string]any(claims), nil
}

// resolveKey looks the token's key id up in the cached key set.
func (v *Verifier) resolveKey(ctx context.Context, t *jwt.Token) (any, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}

	set, err := v.jwks.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %q not found in JWKS", kid)
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("materializing key %q: %w", kid, err)
	}
	return raw, nil
}
