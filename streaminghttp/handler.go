package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/mealmate/mealmate-mcp/auth"
	"github.com/mealmate/mealmate-mcp/internal/eventstream"
	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/mcp"
	"github.com/mealmate/mealmate-mcp/sessions"
)

const (
	SessionIDHeader       = "Mcp-Session-Id"
	ProtocolVersionHeader = "Mcp-Protocol-Version"

	// DefaultKeepAlive is the interval between keep-alive comments on an
	// attached notification stream.
	DefaultKeepAlive = 25 * time.Second

	maxBodySize = 4 << 20
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

	responseMediaTypes    = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}

	errStreamBusy = errors.New("notification stream already attached")
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithKeepAlive sets the keep-alive interval for notification streams.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// Handler serves POST, GET and DELETE on the MCP endpoint. The caller's user
// id is read from the request context (auth.UserIDFrom).
type Handler struct {
	registry  *sessions.Registry
	factory   sessions.ServerFactory
	log       *slog.Logger
	keepAlive time.Duration
}

func New(registry *sessions.Registry, factory sessions.ServerFactory, opts ...Option) *Handler {
	h := &Handler{registry: registry, factory: factory, keepAlive: DefaultKeepAlive}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.New(h.log)
	return h
}

// transport is the Streamable side of one session: at most one attached
// notification stream.
type transport struct {
	mu     sync.Mutex
	stream *eventstream.Writer
	detach chan struct{}
	closed bool
}

func (t *transport) Kind() sessions.Kind { return sessions.KindStreamableHTTP }

// attach makes stream the session's notification stream. The returned
// channel is closed when the stream must end.
func (t *transport) attach(stream *eventstream.Writer) (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, sessions.ErrSessionClosed
	}
	if t.stream != nil {
		return nil, errStreamBusy
	}
	t.stream = stream
	t.detach = make(chan struct{})
	return t.detach, nil
}

func (t *transport) release(stream *eventstream.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == stream {
		t.stream = nil
		t.detach = nil
	}
}

// ping writes a keep-alive to the attached stream. A failed write detaches
// the stream; the session itself stays usable.
func (t *transport) ping() error {
	t.mu.Lock()
	st, ch := t.stream, t.detach
	t.mu.Unlock()
	if st == nil {
		return nil
	}
	if err := st.WriteComment("keepalive"); err != nil {
		t.mu.Lock()
		if t.stream == st {
			t.stream, t.detach = nil, nil
			close(ch)
		}
		t.mu.Unlock()
	}
	return nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	t.closed = true
	st, ch := t.stream, t.detach
	t.stream, t.detach = nil, nil
	t.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	if st != nil {
		return st.Close()
	}
	return nil
}

// ServePost handles one JSON-RPC message.
func (h *Handler) ServePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "http.post.content_type", slog.String("content_type", r.Header.Get("Content-Type")))
		jsonrpc.WriteHTTPError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "Unsupported Media Type: Content-Type must be application/json")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error")
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		code := jsonrpc.ErrorCodeParseError
		var je *jsonrpc.Error
		if errors.As(err, &je) {
			code = je.Code
		}
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, code, err.Error())
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	h.log.DebugContext(ctx, "http.post.start")

	if msg.Type() == "request" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes); err != nil {
			jsonrpc.WriteHTTPError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "Not Acceptable: client must accept application/json or text/event-stream")
			return
		}
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		if msg.Type() != "request" || mcp.Method(msg.Method) != mcp.InitializeMethod {
			h.log.InfoContext(ctx, "session.id.missing")
			jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, "Bad Request: No valid session ID provided")
			return
		}
		h.initialize(ctx, w, r, msg.AsRequest())
		return
	}

	s, ok := h.lookup(ctx, sessionID)
	if !ok {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	ctx = s.Context(ctx)

	switch msg.Type() {
	case "response":
		w.WriteHeader(http.StatusAccepted)
		return
	case "notification":
		if _, err := s.Dispatch(ctx, msg.AsRequest()); errors.Is(err, sessions.ErrSessionClosed) {
			jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	req := msg.AsRequest()
	if mcp.Method(req.Method) == mcp.InitializeMethod {
		h.log.InfoContext(ctx, "session.reinitialize")
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server already initialized", nil))
		return
	}
	resp, err := s.Dispatch(ctx, req)
	if err != nil {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	h.writeResponse(ctx, w, r, resp)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// initialize creates a session. Nothing is registered unless the server
// accepted the initialize request.
func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, r *http.Request, req *jsonrpc.Request) {
	userID := auth.UserIDFrom(ctx)
	tr := &transport{}
	s := sessions.New(uuid.NewString(), sessions.KindStreamableHTTP, userID, h.factory.NewServerInstance(userID), tr, sessions.WithLogger(h.log))
	ctx = s.Context(ctx)
	closeCtx := context.WithoutCancel(ctx)

	resp, err := s.Dispatch(ctx, req)
	if err != nil || resp == nil {
		_ = s.Close(closeCtx)
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal error")
		return
	}
	if resp.Error != nil {
		h.log.InfoContext(ctx, "session.initialize.fail", slog.String("err", resp.Error.Message))
		_ = s.Close(closeCtx)
		h.writeResponse(ctx, w, r, resp)
		return
	}
	if err := s.Activate(); err != nil {
		_ = s.Close(closeCtx)
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal error")
		return
	}
	if err := h.registry.Register(s); err != nil {
		_ = s.Close(closeCtx)
		jsonrpc.WriteHTTPError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeInternalError, "Server shutting down")
		return
	}
	s.Every(h.keepAlive, tr.ping)

	w.Header().Set(SessionIDHeader, s.ID())
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if json.Unmarshal(resp.Result, &result) == nil && result.ProtocolVersion != "" {
		w.Header().Set(ProtocolVersionHeader, result.ProtocolVersion)
	}
	h.log.InfoContext(ctx, "session.initialize.ok")
	h.writeResponse(ctx, w, r, resp)
}

// lookup finds a live Streamable session owned by the caller.
func (h *Handler) lookup(ctx context.Context, id string) (*sessions.Session, bool) {
	s, ok := h.registry.Get(id)
	if !ok || s.Kind() != sessions.KindStreamableHTTP || s.UserID() != auth.UserIDFrom(ctx) {
		h.log.InfoContext(ctx, "session.unknown", slog.String("session_id", id))
		return nil, false
	}
	return s, true
}

// writeResponse answers with JSON or with a single SSE event, whichever the
// Accept header prefers.
func (h *Handler) writeResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, resp *jsonrpc.Response) {
	mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
	if err != nil || !mt.Matches(eventStreamMediaType) {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "http.post.marshal", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal error")
		return
	}
	stream, err := eventstream.NewWriter(ctx, w)
	if err != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	eventstream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if err := stream.WriteEvent("message", "", payload); err != nil {
		h.log.WarnContext(ctx, "http.post.write", slog.String("err", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeGet attaches the session's notification stream and holds it open.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, "Bad Request: Mcp-Session-Id header is required")
		return
	}
	s, ok := h.lookup(ctx, sessionID)
	if !ok {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	ctx = s.Context(ctx)

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		jsonrpc.WriteHTTPError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "Not Acceptable: client must accept text/event-stream")
		return
	}
	stream, err := eventstream.NewWriter(ctx, w)
	if err != nil {
		h.log.ErrorContext(ctx, "http.get.unsupported", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Streaming unsupported")
		return
	}
	tr, _ := s.Transport().(*transport)
	if tr == nil {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	detach, err := tr.attach(stream)
	switch {
	case errors.Is(err, errStreamBusy):
		jsonrpc.WriteHTTPError(w, http.StatusConflict, jsonrpc.ErrorCodeInvalidSession, "Conflict: only one notification stream per session")
		return
	case err != nil:
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	defer tr.release(stream)

	eventstream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if err := stream.Flush(); err != nil {
		return
	}
	h.log.InfoContext(ctx, "http.get.attached")

	select {
	case <-ctx.Done():
		h.log.InfoContext(ctx, "http.get.disconnect")
	case <-detach:
		h.log.InfoContext(ctx, "http.get.detached")
	case <-s.Done():
	}
}

// ServeDelete terminates the session.
func (h *Handler) ServeDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, "Bad Request: Mcp-Session-Id header is required")
		return
	}
	s, ok := h.lookup(ctx, sessionID)
	if !ok {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	ctx = s.Context(ctx)
	if err := s.Close(context.WithoutCancel(ctx)); err != nil {
		h.log.WarnContext(ctx, "http.delete.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "http.delete.ok")
	w.WriteHeader(http.StatusNoContent)
}
