package oauthflow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// stateSeparator joins the nonce and the session token inside the state
// parameter. The fixed format is {nonce}:session:{sessionToken} so the
// session pairing is carried explicitly and checked, never guessed.
const stateSeparator = ":session:"

// newState builds a state value binding a fresh nonce to a session token.
func newState(sessionToken string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state nonce: %w", err)
	}
	return hex.EncodeToString(b) + stateSeparator + sessionToken, nil
}

// sessionFromState extracts the session token carried by a state value.
func sessionFromState(state string) (string, bool) {
	nonce, sessionToken, found := strings.Cut(state, stateSeparator)
	if !found || nonce == "" || sessionToken == "" {
		return "", false
	}
	return sessionToken, true
}

// transaction is the ephemeral PKCE material for one in-flight authorization
// request, keyed by the full state value.
type transaction struct {
	verifier     string
	sessionToken string
	createdAt    time.Time
}

// transactionStore holds in-flight PKCE transactions.
type transactionStore struct {
	mu   sync.Mutex
	txns map[string]transaction
}

func newTransactionStore() *transactionStore {
	return &transactionStore{txns: make(map[string]transaction)}
}

func (ts *transactionStore) save(state string, txn transaction) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.txns[state] = txn
}

// take removes and returns the transaction for a state value. A transaction
// is single-use: it is deleted on first lookup whatever the callback outcome.
func (ts *transactionStore) take(state string) (transaction, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	txn, ok := ts.txns[state]
	if ok {
		delete(ts.txns, state)
	}
	return txn, ok
}

func (ts *transactionStore) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.txns)
}

// cleanup removes transactions older than maxAge, covering authorization
// redirects the user abandoned.
func (ts *transactionStore) cleanup(maxAge time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for state, txn := range ts.txns {
		if txn.createdAt.Before(cutoff) {
			delete(ts.txns, state)
		}
	}
}
