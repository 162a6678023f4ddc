// Package httpapi serves the browser-facing and metadata routes: OTP login
// redirect, OAuth callback and the well-known discovery documents.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/txn2/mcp-game-gateway/pkg/oauthflow"
	"github.com/txn2/mcp-game-gateway/pkg/otp"
)

const (
	// defaultCallbackRate allows a handful of OAuth callback attempts per
	// client IP per minute; a browser flow needs exactly one.
	defaultCallbackRate  = rate.Limit(12.0 / 60.0)
	defaultCallbackBurst = 5

	// limiterTableMax bounds the per-IP limiter table.
	limiterTableMax = 4096
)

// OTPExchanger consumes single-use login tokens. Satisfied by
// *otp.Manager.
type OTPExchanger interface {
	Exchange(otpToken string) (string, bool)
}

// FlowDriver is the slice of the OAuth orchestrator the HTTP surface
// drives. Satisfied by *oauthflow.Flow.
type FlowDriver interface {
	AuthorizationURL(sessionToken string) (string, error)
	HandleCallback(ctx context.Context, code, state string) error
}

var (
	_ OTPExchanger = (*otp.Manager)(nil)
	_ FlowDriver   = (*oauthflow.Flow)(nil)
)

// Config describes the advertised OAuth surface.
type Config struct {
	// PublicBaseURL is the externally reachable gateway base URL.
	PublicBaseURL string

	// Issuer is the upstream provider issuer URL.
	Issuer string

	// AuthorizationEndpoint and TokenEndpoint are the provider endpoints
	// advertised in the authorization-server metadata.
	AuthorizationEndpoint string
	TokenEndpoint         string

	// JWKSURL is the provider's published key set.
	JWKSURL string

	// ScopesSupported is advertised in the discovery documents.
	ScopesSupported []string

	// CallbackRate and CallbackBurst tune the per-IP callback limiter.
	// Zero values use the defaults.
	CallbackRate  rate.Limit
	CallbackBurst int
}

// Handler serves /auth/login, /oauth/callback and the /.well-known
// documents.
type Handler struct {
	cfg    Config
	otps   OTPExchanger
	flow   FlowDriver
	logger *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*callbackLimiter
}

type callbackLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates the browser/metadata handler.
func NewHandler(cfg Config, otps OTPExchanger, flow FlowDriver, logger *slog.Logger) *Handler {
	if cfg.CallbackRate == 0 {
		cfg.CallbackRate = defaultCallbackRate
	}
	if cfg.CallbackBurst == 0 {
		cfg.CallbackBurst = defaultCallbackBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		otps:     otps,
		flow:     flow,
		logger:   logger,
		limiters: make(map[string]*callbackLimiter),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/login":
		h.handleLogin(w, r)
	case "/oauth/callback":
		h.handleCallback(w, r)
	case "/.well-known/oauth-authorization-server":
		h.handleAuthServerMetadata(w, r)
	case "/.well-known/openid-configuration":
		h.handleAuthServerMetadata(w, r)
	case "/.well-known/oauth-protected-resource":
		h.handleProtectedResourceMetadata(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleLogin consumes a single-use OTP and redirects the browser to the
// provider's authorization endpoint.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	otpToken := r.URL.Query().Get("otp_token")
	if otpToken == "" {
		http.Error(w, "Missing otp_token parameter", http.StatusBadRequest)
		return
	}

	sessionToken, ok := h.otps.Exchange(otpToken)
	if !ok {
		// Used or expired. The OTP is single-use either way.
		http.Error(w, "Login link is invalid or has expired", http.StatusNotFound)
		return
	}

	authURL, err := h.flow.AuthorizationURL(sessionToken)
	if err != nil {
		h.logger.Error("httpapi: failed to build authorization URL", "error", err)
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the authorization-code exchange. The rate limit
// runs before any parameter validation; a browser is on the other end, so
// failures render HTML rather than a protocol error.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.allowCallback(clientIP(r)) {
		h.logger.Warn("httpapi: callback rate limit exceeded", "ip", clientIP(r))
		h.renderErrorPage(w, http.StatusTooManyRequests,
			"Too many authentication attempts. Please wait a moment and try again.")
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("httpapi: provider returned callback error",
			"error", errParam, "description", query.Get("error_description"))
		h.renderErrorPage(w, http.StatusBadRequest,
			fmt.Sprintf("Authentication failed: %s", errParam))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.renderErrorPage(w, http.StatusBadRequest,
			"Invalid callback: missing required parameters.")
		return
	}

	if err := h.flow.HandleCallback(r.Context(), code, state); err != nil {
		h.logger.Warn("httpapi: callback failed", "error", err)
		h.renderErrorPage(w, http.StatusBadRequest, callbackErrorMessage(err))
		return
	}

	h.renderSuccessPage(w)
}

// callbackErrorMessage keeps the browser-facing text generic; the cause is
// in the log.
func callbackErrorMessage(err error) string {
	switch {
	case errors.Is(err, oauthflow.ErrInvalidState):
		return "Authentication session expired or invalid. Please start the login again."
	case errors.Is(err, oauthflow.ErrInvalidGrant):
		return "The authorization could not be completed. Please start the login again."
	case errors.Is(err, oauthflow.ErrSessionGone):
		return "Your session is no longer available. Please start the login again."
	case errors.Is(err, oauthflow.ErrUpstreamUnavailable):
		return "The authentication service is temporarily unavailable. Please try again."
	default:
		return "Failed to complete authentication. Please try again."
	}
}

// allowCallback applies the per-IP limiter, pruning stale entries when the
// table grows too large.
func (h *Handler) allowCallback(ip string) bool {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()

	entry, ok := h.limiters[ip]
	if !ok {
		if len(h.limiters) >= limiterTableMax {
			h.pruneLimiters()
		}
		entry = &callbackLimiter{
			limiter: rate.NewLimiter(h.cfg.CallbackRate, h.cfg.CallbackBurst),
		}
		h.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// pruneLimiters drops entries idle for over an hour. Caller holds the lock.
func (h *Handler) pruneLimiters() {
	cutoff := time.Now().Add(-time.Hour)
	for ip, entry := range h.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(h.limiters, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleAuthServerMetadata serves the authorization-server discovery
// document, pointing clients at the gateway's login indirection and the
// provider's token endpoint.
func (h *Handler) handleAuthServerMetadata(w http.ResponseWriter, _ *http.Request) {
	metadata := map[string]any{
		"issuer":                                h.cfg.Issuer,
		"authorization_endpoint":                h.cfg.AuthorizationEndpoint,
		"token_endpoint":                        h.cfg.TokenEndpoint,
		"jwks_uri":                              h.cfg.JWKSURL,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	}
	if len(h.cfg.ScopesSupported) > 0 {
		metadata["scopes_supported"] = h.cfg.ScopesSupported
	}
	writeJSON(w, http.StatusOK, metadata)
}

// handleProtectedResourceMetadata serves the RFC 9728 resource metadata
// referenced from WWW-Authenticate challenges.
func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	metadata := map[string]any{
		"resource":                 h.cfg.PublicBaseURL,
		"authorization_servers":    []string{h.cfg.Issuer},
		"bearer_methods_supported": []string{"header"},
	}
	if len(h.cfg.ScopesSupported) > 0 {
		metadata["scopes_supported"] = h.cfg.ScopesSupported
	}
	writeJSON(w, http.StatusOK, metadata)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// setSecurityHeaders hardens the HTML responses shown in the user's
// browser.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

func (h *Handler) renderSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, pageTemplate,
		"Authentication Successful",
		"&#10003;",
		"Authentication Successful",
		"You are signed in. You can close this window and return to your assistant.")
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, status int, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, pageTemplate,
		"Authentication Failed",
		"&#10007;",
		"Authentication Failed",
		html.EscapeString(message))
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #16213e;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e8e8e8;
            margin: 0;
        }
        .container {
            text-align: center;
            padding: 3rem;
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            max-width: 480px;
            margin: 1rem;
        }
        .icon { font-size: 3rem; margin-bottom: 1rem; }
        h1 { font-size: 1.5rem; color: #fff; }
        p { color: #a0a0a0; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="container">
        <div class="icon">%s</div>
        <h1>%s</h1>
        <p>%s</p>
    </div>
</body>
</html>
`
