package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout removes sessions untouched for this long,
	// regardless of status.
	DefaultIdleTimeout = 24 * time.Hour

	// sessionTokenBytes is the number of random bytes in a session token.
	sessionTokenBytes = 24
)

// OTPMinter mints single-use tokens bound to a session token.
// Satisfied by *otp.Manager.
type OTPMinter interface {
	Generate(sessionToken string) string
}

// Store owns all sessions for the process. All mutation goes through Store
// methods; callers never hold live Session pointers.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	otp         OTPMinter
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a session store. A non-positive idleTimeout falls back to
// DefaultIdleTimeout.
func NewStore(idleTimeout time.Duration, minter OTPMinter, logger *slog.Logger) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		otp:         minter,
		logger:      logger,
	}
}

// Create mints a fresh pending session and returns its token together with a
// login URL carrying a single-use OTP instead of the session token itself.
func (s *Store) Create(baseURL string) (token, loginURL string, err error) {
	token, err = generateToken()
	if err != nil {
		return "", "", err
	}
	loginURL = s.CreateWithToken(token, baseURL)
	return token, loginURL, nil
}

// CreateWithToken creates a pending session under a caller-supplied token and
// returns its login URL. An existing session with that token is replaced.
func (s *Store) CreateWithToken(token, baseURL string) (loginURL string) {
	now := time.Now()

	s.mu.Lock()
	s.sessions[token] = &Session{
		Token:          token,
		Status:         StatusPending,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	s.mu.Unlock()

	otpToken := s.otp.Generate(token)
	return strings.TrimSuffix(baseURL, "/") + "/auth/login?otp_token=" + url.QueryEscape(otpToken)
}

// Get returns a snapshot of the session, or nil if absent.
// Every read refreshes LastAccessedAt.
func (s *Store) Get(token string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil
	}
	sess.LastAccessedAt = time.Now()

	snapshot := *sess
	return &snapshot
}

// SetAuthenticated transitions a session to authenticated with the supplied
// tokens and identity. Returns false if the session no longer exists, which
// a caller returning from a network exchange must tolerate.
func (s *Store) SetAuthenticated(token string, creds Credentials, ident Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}

	now := time.Now()
	sess.Status = StatusAuthenticated
	sess.AccessToken = creds.AccessToken
	sess.RefreshToken = creds.RefreshToken
	sess.AccessExpiresAt = now.Add(creds.AccessTTL)
	if creds.RefreshTTL > 0 {
		sess.RefreshExpiresAt = now.Add(creds.RefreshTTL)
	} else {
		sess.RefreshExpiresAt = time.Time{}
	}
	sess.UserID = ident.UserID
	sess.UserEmail = ident.Email
	sess.UserName = ident.Name
	sess.LastAccessedAt = now
	return true
}

// UpdateTokens overwrites a session's tokens after a refresh exchange.
// Refresh tokens may rotate, so both tokens are replaced. Returns false if
// the session disappeared during the exchange.
func (s *Store) UpdateTokens(token string, creds Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}

	now := time.Now()
	sess.AccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		sess.RefreshToken = creds.RefreshToken
	}
	sess.AccessExpiresAt = now.Add(creds.AccessTTL)
	if creds.RefreshTTL > 0 {
		sess.RefreshExpiresAt = now.Add(creds.RefreshTTL)
	}
	sess.LastAccessedAt = now
	return true
}

// AccessToken returns the session's access token and whether it is expired.
// It returns nil unless the session exists and is authenticated.
func (s *Store) AccessToken(token string) *AccessTokenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok || sess.Status != StatusAuthenticated {
		return nil
	}
	sess.LastAccessedAt = time.Now()

	return &AccessTokenInfo{
		Token:   sess.AccessToken,
		Expired: sess.AccessTokenExpired(),
	}
}

// MarkExpired transitions a session to expired and clears its tokens,
// typically after a failed refresh. Identity fields are retained.
func (s *Store) MarkExpired(token string) bool {
	return s.expire(token)
}

// Logout clears the session's tokens and sets it expired. Identity fields
// are retained. Idempotent: logging out an already-expired session still
// returns true as long as the session exists.
func (s *Store) Logout(token string) bool {
	return s.expire(token)
}

func (s *Store) expire(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}

	sess.Status = StatusExpired
	sess.AccessToken = ""
	sess.RefreshToken = ""
	sess.AccessExpiresAt = time.Time{}
	sess.RefreshExpiresAt = time.Time{}
	sess.LastAccessedAt = time.Now()
	return true
}

// Delete removes a session entirely.
func (s *Store) Delete(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return false
	}
	delete(s.sessions, token)
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// cleanup removes sessions idle past the timeout, regardless of status.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.idleTimeout)
	for token, sess := range s.sessions {
		if sess.LastAccessedAt.Before(cutoff) {
			s.logger.Debug("session: reaping idle session", "status", string(sess.Status))
			delete(s.sessions, token)
		}
	}
}

// StartSweep starts the idle-session reaper. Stopped by Close.
func (s *Store) StartSweep(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit.
// Safe to call even if StartSweep was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// generateToken creates a cryptographically random session token.
func generateToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
