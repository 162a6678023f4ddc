// Package otp provides single-use, short-lived tokens that indirect to a
// session token. Login URLs carry an OTP instead of the session token itself,
// so session identifiers never appear in browser history or proxy logs.
package otp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the validity window of a freshly minted OTP.
const DefaultTTL = 10 * time.Minute

// mapping binds an OTP to a session token until it is exchanged or expires.
type mapping struct {
	sessionToken string
	expiresAt    time.Time
}

// Manager mints and exchanges one-time tokens.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	mappings map[string]mapping
	ttl      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. A non-positive ttl falls back to DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		mappings: make(map[string]mapping),
		ttl:      ttl,
	}
}

// Generate mints a new OTP bound to sessionToken. It always succeeds.
func (m *Manager) Generate(sessionToken string) string {
	token := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.mappings[token] = mapping{
		sessionToken: sessionToken,
		expiresAt:    time.Now().Add(m.ttl),
	}
	return token
}

// Exchange consumes an OTP and returns the bound session token. The mapping
// is deleted on the first successful exchange; any later call, an unknown
// token, or an expired token all report ok=false. Absence is a normal
// outcome, not an error.
func (m *Manager) Exchange(otpToken string) (sessionToken string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, found := m.mappings[otpToken]
	if !found {
		return "", false
	}
	delete(m.mappings, otpToken)

	if time.Now().After(mp.expiresAt) {
		return "", false
	}
	return mp.sessionToken, true
}

// Len returns the number of live mappings.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}

// cleanup removes expired mappings.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for token, mp := range m.mappings {
		if now.After(mp.expiresAt) {
			delete(m.mappings, token)
		}
	}
}

// StartSweep starts a background goroutine that periodically removes expired
// mappings, bounding memory even when tokens are never exchanged.
// The goroutine is stopped when Close is called.
func (m *Manager) StartSweep(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup()
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit.
// It is safe to call Close even if StartSweep was never called.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}
