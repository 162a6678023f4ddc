package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"golang.org/x/exp/jsonrpc2"

	"github.com/txn2/mcp-game-gateway/pkg/auth"
)

// SessionIDHeader carries the stream session id on every call after
// initialization.
const SessionIDHeader = "Mcp-Session-Id"

// ProtocolVersionHeader selects protocol behavior per call.
const ProtocolVersionHeader = "MCP-Protocol-Version"

const (
	// FallbackProtocolVersion is assumed when the version header is absent.
	FallbackProtocolVersion = "2025-03-26"

	methodInitialize = "initialize"
)

// supportedVersions are the protocol revisions this gateway knows. A
// well-formed version outside this set is accepted with a warning.
var supportedVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// versionPattern is the date-shaped protocol version format.
var versionPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// JSON-RPC error codes used on the wire. Request-shape problems get the
// standard codes; -32001 marks an unknown or expired stream session.
const (
	codeInvalidRequest  = -32600
	codeMethodNotFound  = -32601
	codeInternalError   = -32603
	codeSessionNotFound = -32001
)

// ErrMethodNotFound is returned by a Dispatcher for unknown methods.
var ErrMethodNotFound = errors.New("method not found")

type streamSessionKey struct{}

// withStreamSession attaches the stream session to the dispatch context.
func withStreamSession(ctx context.Context, sess *StreamSession) context.Context {
	return context.WithValue(ctx, streamSessionKey{}, sess)
}

// StreamSessionFromContext returns the stream session a dispatched request
// belongs to, or nil. Dispatchers use it to read the negotiated version or
// push events to the session's stream.
func StreamSessionFromContext(ctx context.Context) *StreamSession {
	sess, _ := ctx.Value(streamSessionKey{}).(*StreamSession)
	return sess
}

// Dispatcher executes a decoded request and returns its result. The
// authenticated context is available via auth.FromContext. The dispatcher
// is the boundary to the tool-execution layer; it never touches sessions,
// OTPs or the OAuth flow.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error)
}

// Resolver resolves the identity behind a call. Satisfied by
// *auth.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, req *http.Request) (*auth.Context, error)
}

var _ Resolver = (*auth.Resolver)(nil)

// HandlerConfig configures the /mcp endpoint.
type HandlerConfig struct {
	// AllowedOrigins is the Origin allow-list. "*" allows any origin;
	// requests without an Origin header always pass.
	AllowedOrigins []string

	// ResourceMetadataURL is advertised on 401 responses.
	ResourceMetadataURL string
}

// Handler serves the streamable HTTP endpoint. Cross-origin policy runs
// before auth, auth before any session or protocol logic.
type Handler struct {
	cfg        HandlerConfig
	streams    *Manager
	resolver   Resolver
	dispatcher Dispatcher
	logger     *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates the /mcp handler.
func NewHandler(cfg HandlerConfig, streams *Manager, resolver Resolver,
	dispatcher Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:        cfg,
		streams:    streams,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		h.logger.Warn("transport: origin denied", "origin", r.Header.Get("Origin"))
		http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
		return
	}

	ac, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		auth.WriteChallenge(w, h.cfg.ResourceMetadataURL)
		return
	}
	ctx := auth.WithContext(r.Context(), ac)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(ctx, w, r)
	case http.MethodGet:
		h.handleStream(ctx, w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// originAllowed applies the cross-origin allow-policy. Requests without an
// Origin header are non-browser clients and always pass.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// negotiateVersion applies the version header policy: absent falls back,
// unparseable is a client error, unknown-but-well-formed is accepted with a
// warning.
func (h *Handler) negotiateVersion(r *http.Request) (string, error) {
	v := r.Header.Get(ProtocolVersionHeader)
	if v == "" {
		return FallbackProtocolVersion, nil
	}
	if !versionPattern.MatchString(v) {
		return "", fmt.Errorf("unparseable protocol version %q", v)
	}
	if !supportedVersions[v] {
		h.logger.Warn("transport: unrecognized protocol version accepted", "version", v)
	}
	return v, nil
}

func (h *Handler) handlePost(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	version, err := h.negotiateVersion(r)
	if err != nil {
		http.Error(w, "Invalid MCP-Protocol-Version header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		http.Error(w, "Batch JSON-RPC requests are not supported", http.StatusBadRequest)
		return
	}

	msg, err := decodeSingle(trimmed)
	if err != nil {
		http.Error(w, "Invalid JSON-RPC 2.0 message", http.StatusBadRequest)
		return
	}

	req, isCall := msg.(*jsonrpc2.Request)
	if !isCall || !req.ID.IsValid() {
		// Notifications and client responses are accepted without a body.
		if sessID := r.Header.Get(SessionIDHeader); sessID != "" {
			h.streams.Get(sessID)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var sess *StreamSession
	if req.Method == methodInitialize {
		sess, err = h.streams.Create()
		if err != nil {
			h.logger.Error("transport: failed to create stream session", "error", err)
			writeRPCError(w, http.StatusInternalServerError, req.ID,
				codeInternalError, "internal error")
			return
		}
		sess.setNegotiatedVersion(clientVersion(req, version))
		w.Header().Set(SessionIDHeader, sess.ID())
	} else {
		sess = h.streams.Get(r.Header.Get(SessionIDHeader))
		if sess == nil {
			writeRPCError(w, http.StatusNotFound, req.ID,
				codeSessionNotFound, "session not found or expired")
			return
		}
	}

	result, err := h.dispatcher.Dispatch(withStreamSession(ctx, sess), req)
	if err != nil {
		code := int64(codeInternalError)
		message := "internal error"
		switch {
		case errors.Is(err, ErrMethodNotFound):
			code = codeMethodNotFound
			message = fmt.Sprintf("method %q not found", req.Method)
		case errors.Is(err, auth.ErrInvalidRequest):
			code = codeInvalidRequest
			message = "invalid request"
		}
		h.logger.Error("transport: dispatch failed",
			"method", req.Method, "session", sess.ID(), "error", err)
		writeRPCError(w, http.StatusOK, req.ID, code, message)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("transport: failed to encode result", "error", err)
		writeRPCError(w, http.StatusInternalServerError, req.ID,
			codeInternalError, "internal error")
		return
	}
	writeMessage(w, http.StatusOK, &jsonrpc2.Response{ID: req.ID, Result: raw})
}

// handleStream opens the server-push stream, replaying buffered events past
// the client's Last-Event-Id. A disconnect releases the subscription but
// never the session.
func (h *Handler) handleStream(_ context.Context, w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") != "text/event-stream" {
		http.Error(w, "Accept: text/event-stream required", http.StatusNotAcceptable)
		return
	}

	sess := h.streams.Get(r.Header.Get(SessionIDHeader))
	if sess == nil {
		http.Error(w, "Session not found or expired", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var lastEventID uint64
	if raw := r.Header.Get("Last-Event-Id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid Last-Event-Id header", http.StatusBadRequest)
			return
		}
		lastEventID = id
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	replay, ch := sess.subscribe(lastEventID)
	defer sess.unsubscribe(ch)

	for _, ev := range replay {
		writeSSEEvent(w, ev)
	}
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				// Displaced by a newer subscriber or terminated.
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionIDHeader)
	if id == "" || !h.streams.Terminate(id) {
		http.Error(w, "Session not found or expired", http.StatusNotFound)
		return
	}
	h.logger.Debug("transport: stream session terminated", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// decodeSingle decodes one JSON-RPC 2.0 message, rejecting payloads that do
// not carry the version marker.
func decodeSingle(body []byte) (jsonrpc2.Message, error) {
	var probe struct {
		Version string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if probe.Version != "2.0" {
		return nil, fmt.Errorf("not a JSON-RPC 2.0 message")
	}
	return jsonrpc2.DecodeMessage(body)
}

// clientVersion prefers the protocolVersion from initialize params over the
// header-negotiated one.
func clientVersion(req *jsonrpc2.Request, negotiated string) string {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(req.Params, &params); err == nil && params.ProtocolVersion != "" {
		return params.ProtocolVersion
	}
	return negotiated
}

func writeRPCError(w http.ResponseWriter, status int, id jsonrpc2.ID, code int64, message string) {
	writeMessage(w, status, &jsonrpc2.Response{ID: id, Error: jsonrpc2.NewError(code, message)})
}

func writeMessage(w http.ResponseWriter, status int, msg jsonrpc2.Message) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeSSEEvent(w io.Writer, ev event) {
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
}
