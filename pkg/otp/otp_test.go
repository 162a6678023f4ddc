package otp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	otpTestTTL      = 5 * time.Minute
	otpTestShortTTL = 30 * time.Millisecond
	otpTestSession  = "S1"
)

func TestManager_ExchangeOnce(t *testing.T) {
	m := NewManager(otpTestTTL)

	token := m.Generate(otpTestSession)
	require.NotEmpty(t, token)

	got, ok := m.Exchange(token)
	require.True(t, ok)
	assert.Equal(t, otpTestSession, got)

	// Only the first caller within the validity window gets a result.
	got, ok = m.Exchange(token)
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestManager_ExchangeUnknown(t *testing.T) {
	m := NewManager(otpTestTTL)

	got, ok := m.Exchange("never-issued")
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestManager_ExchangeExpired(t *testing.T) {
	m := NewManager(otpTestShortTTL)

	token := m.Generate(otpTestSession)
	time.Sleep(2 * otpTestShortTTL)

	got, ok := m.Exchange(token)
	assert.False(t, ok)
	assert.Empty(t, got)

	// Expired exchange also removes the mapping.
	assert.Equal(t, 0, m.Len())
}

func TestManager_TokensAreUnique(t *testing.T) {
	m := NewManager(otpTestTTL)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := m.Generate(otpTestSession)
		require.False(t, seen[token], "duplicate OTP minted")
		seen[token] = true
	}
}

func TestManager_SweepRemovesExpired(t *testing.T) {
	m := NewManager(otpTestShortTTL)
	m.Generate("a")
	m.Generate("b")

	m.StartSweep(otpTestShortTTL)
	defer func() { _ = m.Close() }()

	time.Sleep(4 * otpTestShortTTL)
	assert.Equal(t, 0, m.Len())
}

func TestManager_CloseWithoutSweep(t *testing.T) {
	m := NewManager(otpTestTTL)
	require.NoError(t, m.Close())
}
