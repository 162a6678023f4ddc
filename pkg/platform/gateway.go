package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/txn2/mcp-game-gateway/pkg/auth"
	"github.com/txn2/mcp-game-gateway/pkg/clientcreds"
	"github.com/txn2/mcp-game-gateway/pkg/health"
	"github.com/txn2/mcp-game-gateway/pkg/httpapi"
	"github.com/txn2/mcp-game-gateway/pkg/oauthflow"
	"github.com/txn2/mcp-game-gateway/pkg/otp"
	"github.com/txn2/mcp-game-gateway/pkg/session"
	"github.com/txn2/mcp-game-gateway/pkg/transport"
)

// otpSweepInterval is how often expired OTP mappings are reaped.
const otpSweepInterval = time.Minute

// Gateway is the composition root. It owns every store and its background
// sweep, and exposes the assembled HTTP surface.
type Gateway struct {
	cfg    *Config
	logger *slog.Logger

	otps      *otp.Manager
	sessions  *session.Store
	appTokens *clientcreds.Cache
	flow      *oauthflow.Flow
	resolver  *auth.Resolver
	streams   *transport.Manager
	checker   *health.Checker
	handler   http.Handler

	// localSessionToken is set in local mode; the resolver authenticates
	// every call through this auto-created session.
	localSessionToken string

	verifierCancel context.CancelFunc
}

// NewGateway assembles the gateway from configuration. dispatcher may be
// nil, in which case the built-in core dispatcher serves initialize and
// ping and rejects everything else.
func NewGateway(ctx context.Context, cfg *Config, dispatcher transport.Dispatcher,
	logger *slog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		checker: health.NewChecker(cfg.Server.Version),
	}

	g.otps = otp.NewManager(cfg.Session.OTPTTL)
	g.otps.StartSweep(otpSweepInterval)

	g.sessions = session.NewStore(cfg.Session.IdleTimeout, g.otps, logger)
	g.sessions.StartSweep(cfg.Session.SweepInterval)

	issuer := cfg.Provider.Issuer

	flow, err := oauthflow.New(ctx, oauthflow.Config{
		Issuer:       issuer,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthorizeURL: cfg.Provider.AuthorizationEndpoint,
		TokenURL:     cfg.Provider.TokenEndpoint,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		HTTPTimeout:  cfg.OAuth.HTTPTimeout,
	}, g.sessions, logger)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("building oauth flow: %w", err)
	}
	g.flow = flow
	g.flow.StartSweep(otpSweepInterval)

	if cfg.Auth.ClientCredentialsFallback {
		scopes := cfg.Auth.ClientCredentialsScopes
		if len(scopes) == 0 {
			scopes = cfg.OAuth.Scopes
		}
		g.appTokens = clientcreds.New(clientcreds.Config{
			TokenURL:     g.tokenEndpoint(),
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Scopes:       scopes,
			HTTPTimeout:  cfg.OAuth.HTTPTimeout,
		}, logger)
	}

	verifierCtx, cancel := context.WithCancel(context.Background())
	g.verifierCancel = cancel
	verifier, err := auth.NewVerifier(verifierCtx, auth.VerifierConfig{
		JWKSURL:    cfg.Provider.JWKSURL,
		Issuer:     issuer,
		Audience:   cfg.Auth.Audience,
		Algorithms: cfg.Auth.Algorithms,
	}, logger)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("building bearer verifier: %w", err)
	}

	mode := auth.ModeHTTP
	if cfg.Server.Mode == ModeLocal {
		mode = auth.ModeLocal
		token, loginURL, err := g.sessions.Create(cfg.Server.PublicBaseURL)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("creating local session: %w", err)
		}
		g.localSessionToken = token
		logger.Info("gateway: local session created", "login_url", loginURL)
	}

	var appTokens auth.AppTokenSource
	if g.appTokens != nil {
		appTokens = g.appTokens
	}
	g.resolver = auth.NewResolver(auth.ResolverConfig{
		Mode:                    mode,
		LocalSessionToken:       g.localSessionToken,
		EnableSessionAuth:       !cfg.Auth.DisableSessionAuth,
		EnableClientCredentials: cfg.Auth.ClientCredentialsFallback,
		ResourceMetadataURL:     g.resourceMetadataURL(),
	}, verifier, g.sessions, g.flow, appTokens, logger)

	g.streams = transport.NewManager(cfg.Transport.IdleTimeout, logger)
	g.streams.StartSweep(cfg.Transport.SweepInterval)

	if dispatcher == nil {
		dispatcher = newCoreDispatcher(cfg.Server.Name, cfg.Server.Version)
	}
	mcpHandler := transport.NewHandler(transport.HandlerConfig{
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		ResourceMetadataURL: g.resourceMetadataURL(),
	}, g.streams, g.resolver, dispatcher, logger)

	apiHandler := httpapi.NewHandler(httpapi.Config{
		PublicBaseURL:         cfg.Server.PublicBaseURL,
		Issuer:                issuer,
		AuthorizationEndpoint: g.authorizationEndpoint(),
		TokenEndpoint:         g.tokenEndpoint(),
		JWKSURL:               cfg.Provider.JWKSURL,
		ScopesSupported:       cfg.OAuth.Scopes,
	}, g.otps, g.flow, logger)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	mux.HandleFunc("/health", g.checker.LivenessHandler())
	mux.HandleFunc("/healthz", g.checker.LivenessHandler())
	mux.HandleFunc("/readyz", g.checker.ReadinessHandler())
	mux.Handle("/", apiHandler)
	g.handler = requestLogging(logger, mux)

	return g, nil
}

// authorizationEndpoint returns the advertised authorization endpoint,
// derived from the issuer when not configured.
func (g *Gateway) authorizationEndpoint() string {
	if g.cfg.Provider.AuthorizationEndpoint != "" {
		return g.cfg.Provider.AuthorizationEndpoint
	}
	return strings.TrimRight(g.cfg.Provider.Issuer, "/") + "/oauth/authorize"
}

// tokenEndpoint returns the advertised token endpoint, derived from the
// issuer when not configured.
func (g *Gateway) tokenEndpoint() string {
	if g.cfg.Provider.TokenEndpoint != "" {
		return g.cfg.Provider.TokenEndpoint
	}
	return strings.TrimRight(g.cfg.Provider.Issuer, "/") + "/oauth/token"
}

func (g *Gateway) resourceMetadataURL() string {
	return strings.TrimRight(g.cfg.Server.PublicBaseURL, "/") + "/.well-known/oauth-protected-resource"
}

// Handler returns the assembled HTTP surface.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Checker exposes the readiness state machine so the server can flip it
// around listen and drain.
func (g *Gateway) Checker() *health.Checker {
	return g.checker
}

// Sessions exposes the session store to an embedding tool layer.
func (g *Gateway) Sessions() *session.Store {
	return g.sessions
}

// Streams exposes the stream session manager for server push.
func (g *Gateway) Streams() *transport.Manager {
	return g.streams
}

// Close stops every background sweep. Safe to call on a partially
// constructed gateway.
func (g *Gateway) Close() {
	g.checker.SetDraining()
	if g.streams != nil {
		g.streams.Close()
	}
	if g.flow != nil {
		_ = g.flow.Close()
	}
	if g.sessions != nil {
		g.sessions.Close()
	}
	if g.otps != nil {
		g.otps.Close()
	}
	if g.verifierCancel != nil {
		g.verifierCancel()
	}
}
