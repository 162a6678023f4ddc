package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/txn2/mcp-game-gateway/pkg/oauthflow"
)

const (
	testBaseURL = "https://gw.example.com"
	testIssuer  = "https://id.example.com"
)

type fakeExchanger struct {
	mappings map[string]string
}

func (f *fakeExchanger) Exchange(otpToken string) (string, bool) {
	sessionToken, ok := f.mappings[otpToken]
	if ok {
		delete(f.mappings, otpToken)
	}
	return sessionToken, ok
}

type fakeFlow struct {
	authURL       string
	authErr       error
	callbackErr   error
	callbackCalls int
	lastCode      string
	lastState     string
}

func (f *fakeFlow) AuthorizationURL(_ string) (string, error) {
	return f.authURL, f.authErr
}

func (f *fakeFlow) HandleCallback(_ context.Context, code, state string) error {
	f.callbackCalls++
	f.lastCode = code
	f.lastState = state
	return f.callbackErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(cfg Config, otps OTPExchanger, flow FlowDriver) *Handler {
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = testBaseURL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}
	cfg.AuthorizationEndpoint = testIssuer + "/oauth/authorize"
	cfg.TokenEndpoint = testIssuer + "/oauth/token"
	cfg.JWKSURL = testIssuer + "/.well-known/jwks.json"
	return NewHandler(cfg, otps, flow, testLogger())
}

func doGet(h *Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLogin_RedirectsToProvider(t *testing.T) {
	otps := &fakeExchanger{mappings: map[string]string{"otp-1": "sess-1"}}
	flow := &fakeFlow{authURL: testIssuer + "/oauth/authorize?state=abc"}
	h := newTestHandler(Config{}, otps, flow)

	rec := doGet(h, "/auth/login?otp_token=otp-1")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, flow.authURL, rec.Header().Get("Location"))

	// The OTP was consumed; a replay of the same link fails.
	rec = doGet(h, "/auth/login?otp_token=otp-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogin_MissingOTP(t *testing.T) {
	h := newTestHandler(Config{}, &fakeExchanger{}, &fakeFlow{})

	rec := doGet(h, "/auth/login")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_UnknownOTP(t *testing.T) {
	h := newTestHandler(Config{}, &fakeExchanger{mappings: map[string]string{}}, &fakeFlow{})

	rec := doGet(h, "/auth/login?otp_token=never-issued")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogin_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(Config{}, &fakeExchanger{}, &fakeFlow{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login?otp_token=x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCallback_Success(t *testing.T) {
	flow := &fakeFlow{}
	h := newTestHandler(Config{}, &fakeExchanger{}, flow)

	rec := doGet(h, "/oauth/callback?code=auth-code&state=nonce:session:sess-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Authentication Successful")
	assert.Equal(t, "auth-code", flow.lastCode)
	assert.Equal(t, "nonce:session:sess-1", flow.lastState)
}

func TestCallback_ErrorPages(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		flowErr error
		want    string
	}{
		{name: "provider error param", target: "/oauth/callback?error=access_denied",
			want: "access_denied"},
		{name: "missing parameters", target: "/oauth/callback?code=only-code",
			want: "missing required parameters"},
		{name: "invalid state", target: "/oauth/callback?code=c&state=forged",
			flowErr: oauthflow.ErrInvalidState, want: "session expired or invalid"},
		{name: "invalid grant", target: "/oauth/callback?code=bad&state=s",
			flowErr: oauthflow.ErrInvalidGrant, want: "could not be completed"},
		{name: "upstream down", target: "/oauth/callback?code=c&state=s",
			flowErr: oauthflow.ErrUpstreamUnavailable, want: "temporarily unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(Config{}, &fakeExchanger{}, &fakeFlow{callbackErr: tt.flowErr})

			rec := doGet(h, tt.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestCallback_RateLimited(t *testing.T) {
	flow := &fakeFlow{}
	h := newTestHandler(Config{
		CallbackRate:  rate.Limit(0.001),
		CallbackBurst: 2,
	}, &fakeExchanger{}, flow)

	target := "/oauth/callback?code=c&state=s"
	for i := 0; i < 2; i++ {
		rec := doGet(h, target)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	// The limit fires before any validation: the flow never sees the
	// rejected attempt.
	rec := doGet(h, target)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 2, flow.callbackCalls)
}

func TestCallback_RateLimitIsPerIP(t *testing.T) {
	h := newTestHandler(Config{
		CallbackRate:  rate.Limit(0.001),
		CallbackBurst: 1,
	}, &fakeExchanger{}, &fakeFlow{})

	first := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c&state=s", nil)
	first.RemoteAddr = "10.0.0.1:55001"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	blocked := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c&state=s", nil)
	blocked.RemoteAddr = "10.0.0.1:55002"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, blocked)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c&state=s", nil)
	other.RemoteAddr = "10.0.0.2:55001"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetadata_AuthorizationServer(t *testing.T) {
	h := newTestHandler(Config{ScopesSupported: []string{"openid", "profile"}},
		&fakeExchanger{}, &fakeFlow{})

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	} {
		rec := doGet(h, path)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
		assert.Equal(t, testIssuer, doc["issuer"])
		assert.Equal(t, testIssuer+"/oauth/authorize", doc["authorization_endpoint"])
		assert.Equal(t, testIssuer+"/oauth/token", doc["token_endpoint"])
		assert.Contains(t, doc["code_challenge_methods_supported"], "S256")
		assert.Contains(t, doc["scopes_supported"], "openid")
	}
}

func TestMetadata_ProtectedResource(t *testing.T) {
	h := newTestHandler(Config{}, &fakeExchanger{}, &fakeFlow{})

	rec := doGet(h, "/.well-known/oauth-protected-resource")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, testBaseURL, doc["resource"])
	assert.Contains(t, doc["authorization_servers"], testIssuer)
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newTestHandler(Config{}, &fakeExchanger{}, &fakeFlow{})

	rec := doGet(h, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
