// Package platform provides the gateway composition root and its
// configuration.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Deployment modes. ModeHTTP serves the network listener; ModeLocal runs
// without one and authenticates through a single auto-created session.
const (
	ModeHTTP  = "http"
	ModeLocal = "local"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig configures the HTTP listener and the advertised surface.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Mode    string `yaml:"mode"` // "http" or "local"
	Address string `yaml:"address"`

	// PublicBaseURL is the externally reachable base URL, used for
	// redirect URLs and login links behind a proxy.
	PublicBaseURL string `yaml:"public_base_url"`

	// AllowedOrigins is the cross-origin allow-list for /mcp.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProviderConfig points at the upstream gaming-services identity provider.
// Everything except BaseURL is derivable from it.
type ProviderConfig struct {
	BaseURL               string `yaml:"base_url"`
	Issuer                string `yaml:"issuer"`
	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	JWKSURL               string `yaml:"jwks_url"`
}

// OAuthConfig configures the authorization-code client.
type OAuthConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURL  string        `yaml:"redirect_url"`
	Scopes       []string      `yaml:"scopes"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

// AuthConfig configures bearer verification and the priority-chain
// fallbacks.
type AuthConfig struct {
	Audience   string   `yaml:"audience"`
	Algorithms []string `yaml:"algorithms"`

	// DisableSessionAuth turns off the session step of the priority
	// chain. Together with ClientCredentialsFallback=false this is the
	// stateless, bearer-only deployment.
	DisableSessionAuth bool `yaml:"disable_session_auth"`

	// ClientCredentialsFallback enables application-level tokens for
	// requests with no user credential.
	ClientCredentialsFallback bool     `yaml:"client_credentials_fallback"`
	ClientCredentialsScopes   []string `yaml:"client_credentials_scopes"`
}

// SessionConfig tunes the OAuth session store and OTP manager.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OTPTTL        time.Duration `yaml:"otp_ttl"`
}

// TransportConfig tunes the streaming transport.
type TransportConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoadConfig loads configuration from a file. An empty path yields a
// config built from defaults and environment overrides alone.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		// #nosec G304 -- path is from CLI args, controlled by admin
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		data = []byte(expandEnvVars(string(data)))

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides applies GATEWAY_* environment variables on top of the
// file config. Deployments without a mounted config file are driven
// entirely by these.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Mode, "GATEWAY_MODE")
	setString(&cfg.Server.Address, "GATEWAY_ADDRESS")
	setString(&cfg.Server.PublicBaseURL, "GATEWAY_PUBLIC_BASE_URL")
	setStringSlice(&cfg.Server.AllowedOrigins, "GATEWAY_ALLOWED_ORIGINS")

	setString(&cfg.Provider.BaseURL, "GATEWAY_PROVIDER_BASE_URL")
	setString(&cfg.Provider.Issuer, "GATEWAY_PROVIDER_ISSUER")
	setString(&cfg.Provider.AuthorizationEndpoint, "GATEWAY_AUTHORIZATION_ENDPOINT")
	setString(&cfg.Provider.TokenEndpoint, "GATEWAY_TOKEN_ENDPOINT")
	setString(&cfg.Provider.JWKSURL, "GATEWAY_JWKS_URL")

	setString(&cfg.OAuth.ClientID, "GATEWAY_OAUTH_CLIENT_ID")
	setString(&cfg.OAuth.ClientSecret, "GATEWAY_OAUTH_CLIENT_SECRET")
	setString(&cfg.OAuth.RedirectURL, "GATEWAY_OAUTH_REDIRECT_URL")
	setStringSlice(&cfg.OAuth.Scopes, "GATEWAY_OAUTH_SCOPES")

	setString(&cfg.Auth.Audience, "GATEWAY_AUDIENCE")
	setBool(&cfg.Auth.DisableSessionAuth, "GATEWAY_DISABLE_SESSION_AUTH")
	setBool(&cfg.Auth.ClientCredentialsFallback, "GATEWAY_CLIENT_CREDENTIALS_FALLBACK")

	setDuration(&cfg.Session.IdleTimeout, "GATEWAY_SESSION_IDLE_TIMEOUT")
	setDuration(&cfg.Session.OTPTTL, "GATEWAY_OTP_TTL")
	setDuration(&cfg.Transport.IdleTimeout, "GATEWAY_TRANSPORT_IDLE_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-game-gateway"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = ModeHTTP
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = "http://localhost:8080"
	}
	if cfg.Provider.Issuer == "" {
		cfg.Provider.Issuer = cfg.Provider.BaseURL
	}
	if cfg.Provider.JWKSURL == "" && cfg.Provider.Issuer != "" {
		cfg.Provider.JWKSURL = strings.TrimRight(cfg.Provider.Issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.OAuth.RedirectURL == "" {
		cfg.OAuth.RedirectURL = strings.TrimRight(cfg.Server.PublicBaseURL, "/") + "/oauth/callback"
	}
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = []string{"openid", "profile", "email", "offline_access"}
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 24 * time.Hour
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 5 * time.Minute
	}
	if cfg.Session.OTPTTL == 0 {
		cfg.Session.OTPTTL = 10 * time.Minute
	}
	if cfg.Transport.IdleTimeout == 0 {
		cfg.Transport.IdleTimeout = 30 * time.Minute
	}
	if cfg.Transport.SweepInterval == 0 {
		cfg.Transport.SweepInterval = time.Minute
	}
}

// Validate validates the configuration. Only unrecoverable
// misconfiguration is fatal.
func (c *Config) Validate() error {
	var errs []string

	if c.Provider.BaseURL == "" && c.Provider.Issuer == "" {
		errs = append(errs, "provider.base_url is required")
	}
	if c.Server.Mode != ModeHTTP && c.Server.Mode != ModeLocal {
		errs = append(errs, fmt.Sprintf("server.mode must be %q or %q", ModeHTTP, ModeLocal))
	}
	if c.Auth.ClientCredentialsFallback && (c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "") {
		errs = append(errs, "oauth.client_id and oauth.client_secret are required for the client-credentials fallback")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
