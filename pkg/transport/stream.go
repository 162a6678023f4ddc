// Package transport implements the streamable HTTP endpoint the MCP client
// talks to: request/response over POST, server push over SSE, explicit
// session termination over DELETE. Stream sessions are a protocol-level
// grouping, distinct from the OAuth sessions in pkg/session.
package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout reaps stream sessions after 30 minutes without
	// activity.
	DefaultIdleTimeout = 30 * time.Minute

	// eventBufferLimit bounds the per-session replay buffer. Events older
	// than this window can not be resumed.
	eventBufferLimit = 256

	// subscriberBuffer is the per-stream push channel depth. A client that
	// falls further behind loses the connection, not the session.
	subscriberBuffer = 32
)

// event is one buffered server-push message with its session-scoped id.
type event struct {
	ID   uint64
	Data []byte
}

// StreamSession groups the calls of one MCP client connection. Event ids
// are strictly increasing from 1 within a session.
type StreamSession struct {
	mu                sync.Mutex
	id                string
	createdAt         time.Time
	lastActivityAt    time.Time
	negotiatedVersion string
	nextEventID       uint64
	events            []event
	subscriber        chan event
}

// ID returns the session id handed to the client in Mcp-Session-Id.
func (s *StreamSession) ID() string {
	return s.id
}

// NegotiatedVersion returns the protocol version agreed at initialization.
func (s *StreamSession) NegotiatedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiatedVersion
}

func (s *StreamSession) setNegotiatedVersion(v string) {
	s.mu.Lock()
	s.negotiatedVersion = v
	s.mu.Unlock()
}

func (s *StreamSession) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// Publish assigns the next event id to data, buffers it for replay and
// pushes it to the live subscriber if one is connected. A subscriber whose
// channel is full is disconnected rather than blocking the publisher.
func (s *StreamSession) Publish(data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := event{ID: s.nextEventID, Data: data}
	s.nextEventID++

	s.events = append(s.events, ev)
	if len(s.events) > eventBufferLimit {
		s.events = s.events[len(s.events)-eventBufferLimit:]
	}

	if s.subscriber != nil {
		select {
		case s.subscriber <- ev:
		default:
			close(s.subscriber)
			s.subscriber = nil
		}
	}
	return ev.ID
}

// subscribe returns buffered events after lastEventID and a channel for
// live pushes. Any previous subscriber is displaced. The caller must call
// unsubscribe when the stream closes; closing a stream never deletes the
// session.
func (s *StreamSession) subscribe(lastEventID uint64) (replay []event, ch chan event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ID > lastEventID {
			replay = append(replay, ev)
		}
	}

	if s.subscriber != nil {
		close(s.subscriber)
	}
	ch = make(chan event, subscriberBuffer)
	s.subscriber = ch
	return replay, ch
}

// unsubscribe releases ch if it is still the active subscriber.
func (s *StreamSession) unsubscribe(ch chan event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber == ch {
		close(s.subscriber)
		s.subscriber = nil
	}
}

// Manager owns the live stream sessions and their idle sweep.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*StreamSession
	idleTimeout time.Duration
	logger      *slog.Logger

	cancel func()
	done   chan struct{}
}

// NewManager creates a stream session manager. idleTimeout <= 0 uses
// DefaultIdleTimeout.
func NewManager(idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*StreamSession),
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Create mints a stream session with a cryptographically random id.
func (m *Manager) Create() (*StreamSession, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating stream session id: %w", err)
	}

	now := time.Now()
	sess := &StreamSession{
		id:             hex.EncodeToString(buf),
		createdAt:      now,
		lastActivityAt: now,
		nextEventID:    1,
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns a live session and refreshes its activity timestamp, or nil.
func (m *Manager) Get(id string) *StreamSession {
	m.mu.Lock()
	sess := m.sessions[id]
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.touch()
	return sess
}

// Terminate removes a session, disconnecting any live subscriber. Returns
// false if the session is unknown.
func (m *Manager) Terminate(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	if sess.subscriber != nil {
		close(sess.subscriber)
		sess.subscriber = nil
	}
	sess.mu.Unlock()
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// cleanup removes sessions idle past the timeout, regardless of whether a
// subscriber was ever attached.
func (m *Manager) cleanup() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var stale []*StreamSession
	for id, sess := range m.sessions {
		sess.mu.Lock()
		idle := sess.lastActivityAt.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			stale = append(stale, sess)
		}
	}
	removed := len(stale)
	m.mu.Unlock()

	for _, sess := range stale {
		sess.mu.Lock()
		if sess.subscriber != nil {
			close(sess.subscriber)
			sess.subscriber = nil
		}
		sess.mu.Unlock()
	}

	if removed > 0 {
		m.logger.Debug("transport: removed idle stream sessions", "count", removed)
	}
}

// StartSweep reaps idle sessions every interval until Close is called.
func (m *Manager) StartSweep(interval time.Duration) {
	if m.cancel != nil {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	m.cancel = func() { close(stop) }
	m.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the sweep goroutine.
func (m *Manager) Close() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}
