package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/txn2/mcp-game-gateway/pkg/auth"
)

type allowAllResolver struct{}

func (allowAllResolver) Resolve(_ context.Context, _ *http.Request) (*auth.Context, error) {
	return &auth.Context{AccessToken: "test-token", Source: "bearer"}, nil
}

type denyAllResolver struct{}

func (denyAllResolver) Resolve(_ context.Context, _ *http.Request) (*auth.Context, error) {
	return nil, auth.ErrUnauthenticated
}

// echoDispatcher returns a fixed result for every method except the ones it
// is told to fail.
type echoDispatcher struct {
	failWith error
	lastAuth *auth.Context
}

func (d *echoDispatcher) Dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	d.lastAuth = auth.FromContext(ctx)
	if d.failWith != nil {
		return nil, d.failWith
	}
	return map[string]string{"method": req.Method}, nil
}

type handlerFixture struct {
	handler    *Handler
	streams    *Manager
	dispatcher *echoDispatcher
}

func newHandlerFixture(t *testing.T, cfg HandlerConfig, resolver Resolver) *handlerFixture {
	t.Helper()
	streams := NewManager(DefaultIdleTimeout, testLogger())
	dispatcher := &echoDispatcher{}
	return &handlerFixture{
		handler:    NewHandler(cfg, streams, resolver, dispatcher, testLogger()),
		streams:    streams,
		dispatcher: dispatcher,
	}
}

func rpcRequest(t *testing.T, id int64, method string, params any) []byte {
	t.Helper()
	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), method, params)
	require.NoError(t, err)
	data, err := jsonrpc2.EncodeMessage(req)
	require.NoError(t, err)
	return data
}

func postMCP(f *handlerFixture, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// initialize runs the initialization exchange and returns the minted
// session id.
func (f *handlerFixture) initialize(t *testing.T) string {
	t.Helper()
	body := rpcRequest(t, 1, "initialize", map[string]string{"protocolVersion": "2025-06-18"})
	rec := postMCP(f, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(t, id)
	return id
}

func decodeRPCError(t *testing.T, body []byte) *jsonrpc2.Response {
	t.Helper()
	msg, err := jsonrpc2.DecodeMessage(body)
	require.NoError(t, err)
	resp, ok := msg.(*jsonrpc2.Response)
	require.True(t, ok)
	return resp
}

// rpcErrorCode extracts the code from a jsonrpc2 wire error. The wire error
// type is unexported, so go through its JSON encoding.
func rpcErrorCode(t *testing.T, err error) int64 {
	t.Helper()
	raw, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)
	var wireErr struct {
		Code int64 `json:"code"`
	}
	require.NoError(t, json.Unmarshal(raw, &wireErr))
	return wireErr.Code
}

func TestHandler_InitializeMintsSession(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	id := f.initialize(t)
	sess := f.streams.Get(id)
	require.NotNil(t, sess)
	assert.Equal(t, "2025-06-18", sess.NegotiatedVersion())

	// A second initialize gets its own session.
	other := f.initialize(t)
	assert.NotEqual(t, id, other)
}

func TestHandler_UnknownSessionGetsEnvelope(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	body := rpcRequest(t, 2, "tools/list", nil)
	rec := postMCP(f, body, map[string]string{SessionIDHeader: "no-such-session"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	resp := decodeRPCError(t, rec.Body.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(codeSessionNotFound), rpcErrorCode(t, resp.Error))
}

func TestHandler_MissingSessionHeaderGetsEnvelope(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	rec := postMCP(f, rpcRequest(t, 3, "tools/list", nil), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_DispatchRoundTrip(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
	id := f.initialize(t)

	rec := postMCP(f, rpcRequest(t, 4, "tools/list", nil),
		map[string]string{SessionIDHeader: id})
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Result map[string]string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "tools/list", envelope.Result["method"])

	// The dispatcher saw the resolved identity, nothing else.
	require.NotNil(t, f.dispatcher.lastAuth)
	assert.Equal(t, "test-token", f.dispatcher.lastAuth.AccessToken)
}

func TestHandler_MethodNotFound(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
	id := f.initialize(t)

	f.dispatcher.failWith = ErrMethodNotFound
	rec := postMCP(f, rpcRequest(t, 5, "bogus/method", nil),
		map[string]string{SessionIDHeader: id})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeRPCError(t, rec.Body.Bytes())
	assert.Equal(t, int64(codeMethodNotFound), rpcErrorCode(t, resp.Error))
}

func TestHandler_VersionNegotiation(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "absent falls back", header: "", wantStatus: http.StatusOK},
		{name: "known version", header: "2025-03-26", wantStatus: http.StatusOK},
		{name: "unknown but well-formed accepted", header: "2030-01-01", wantStatus: http.StatusOK},
		{name: "unparseable rejected", header: "v99", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
			headers := map[string]string{}
			if tt.header != "" {
				headers[ProtocolVersionHeader] = tt.header
			}
			rec := postMCP(f, rpcRequest(t, 1, "initialize", nil), headers)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandler_InitializeWithoutParamsUsesHeaderVersion(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	rec := postMCP(f, rpcRequest(t, 1, "initialize", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sess := f.streams.Get(rec.Header().Get(SessionIDHeader))
	require.NotNil(t, sess)
	assert.Equal(t, FallbackProtocolVersion, sess.NegotiatedVersion())
}

func TestHandler_OriginPolicy(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantStatus int
	}{
		{name: "no origin always passes", allowed: []string{"https://app.example.com"},
			origin: "", wantStatus: http.StatusOK},
		{name: "allowed origin", allowed: []string{"https://app.example.com"},
			origin: "https://app.example.com", wantStatus: http.StatusOK},
		{name: "wildcard", allowed: []string{"*"},
			origin: "https://anything.example.com", wantStatus: http.StatusOK},
		{name: "denied origin", allowed: []string{"https://app.example.com"},
			origin: "https://evil.example.com", wantStatus: http.StatusForbidden},
		{name: "empty allow list denies browsers", allowed: nil,
			origin: "https://app.example.com", wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t, HandlerConfig{AllowedOrigins: tt.allowed}, allowAllResolver{})
			headers := map[string]string{}
			if tt.origin != "" {
				headers["Origin"] = tt.origin
			}
			rec := postMCP(f, rpcRequest(t, 1, "initialize", nil), headers)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandler_OriginCheckedBeforeAuth(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, denyAllResolver{})

	rec := postMCP(f, rpcRequest(t, 1, "initialize", nil),
		map[string]string{"Origin": "https://evil.example.com"})
	// 403, not 401: the origin policy runs first.
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_UnauthenticatedGetsChallenge(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{
		ResourceMetadataURL: "https://gw.example.com/.well-known/oauth-protected-resource",
	}, denyAllResolver{})

	rec := postMCP(f, rpcRequest(t, 1, "initialize", nil), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=")
}

func TestHandler_BatchRejected(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	rec := postMCP(f, []byte(`[{"jsonrpc":"2.0","id":1,"method":"a"}]`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_InvalidPayloadRejected(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	for _, body := range []string{"not json", `{"id":1,"method":"a"}`} {
		rec := postMCP(f, []byte(body), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestHandler_NotificationAccepted(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
	id := f.initialize(t)

	note, err := jsonrpc2.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	data, err := jsonrpc2.EncodeMessage(note)
	require.NoError(t, err)

	rec := postMCP(f, data, map[string]string{SessionIDHeader: id})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestHandler_DeleteTerminatesSession(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
	id := f.initialize(t)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionIDHeader, id)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Session is gone for every later call.
	rec = postMCP(f, rpcRequest(t, 2, "tools/list", nil),
		map[string]string{SessionIDHeader: id})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deleting again is a 404.
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_UnsupportedMethod(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	req := httptest.NewRequest(http.MethodPut, "/mcp", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, GET, DELETE", rec.Header().Get("Allow"))
}

func TestHandler_StreamRequiresEventStreamAccept(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
	id := f.initialize(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set(SessionIDHeader, id)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestHandler_StreamUnknownSession(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, "no-such-session")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	id   string
	data string
}

// readSSEEvents reads n events from an open stream.
func readSSEEvents(t *testing.T, r *bufio.Reader, n int) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for len(events) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			current.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func TestHandler_StreamReplayAndLivePush(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
	server := httptest.NewServer(f.handler)
	defer server.Close()

	id := f.initialize(t)
	sess := f.streams.Get(id)
	require.NotNil(t, sess)

	// Buffer three events before the client connects.
	for i := 1; i <= 3; i++ {
		eventID := sess.Publish(fmt.Appendf(nil, `{"n":%d}`, i))
		assert.Equal(t, uint64(i), eventID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, id)
	req.Header.Set("Last-Event-Id", "1")

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// Events before Last-Event-Id are skipped, the rest replayed in order.
	replayed := readSSEEvents(t, reader, 2)
	assert.Equal(t, "2", replayed[0].id)
	assert.Equal(t, "3", replayed[1].id)
	assert.Equal(t, `{"n":3}`, replayed[1].data)

	// A live push arrives with the next id.
	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.Publish([]byte(`{"n":4}`))
	}()
	live := readSSEEvents(t, reader, 1)
	assert.Equal(t, "4", live[0].id)

	// Disconnecting releases the stream but keeps the session alive.
	cancel()
	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.subscriber == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, f.streams.Get(id))
}

func TestHandler_StreamInvalidLastEventID(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{}, allowAllResolver{})
	id := f.initialize(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, id)
	req.Header.Set("Last-Event-Id", "not-a-number")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
