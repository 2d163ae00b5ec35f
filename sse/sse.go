// Package sse implements the legacy HTTP+SSE transport: a long-lived GET
// stream carries every server message and clients post requests to a
// separate message endpoint named in the stream's first event.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/mealmate/mealmate-mcp/auth"
	"github.com/mealmate/mealmate-mcp/internal/eventstream"
	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/sessions"
)

const (
	// DefaultKeepAlive is the interval between keep-alive comments.
	DefaultKeepAlive = 25 * time.Second
	// DefaultMessagePath is advertised in the endpoint event.
	DefaultMessagePath = "/mcp/messages"

	inboxSize   = 64
	maxBodySize = 4 << 20
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")

	errInboxFull = errors.New("session inbox full")
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithKeepAlive sets the keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithMessagePath sets the path advertised for posting messages.
func WithMessagePath(p string) Option {
	return func(h *Handler) { h.messagePath = p }
}

// Handler serves both halves of the SSE transport. The caller's user id is
// read from the request context (auth.UserIDFrom).
type Handler struct {
	registry    *sessions.Registry
	factory     sessions.ServerFactory
	log         *slog.Logger
	keepAlive   time.Duration
	messagePath string
}

func New(registry *sessions.Registry, factory sessions.ServerFactory, opts ...Option) *Handler {
	h := &Handler{
		registry:    registry,
		factory:     factory,
		keepAlive:   DefaultKeepAlive,
		messagePath: DefaultMessagePath,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.New(h.log)
	return h
}

// transport is the SSE side of one session. Posted messages queue in inbox
// and are dispatched by the stream goroutine in arrival order.
type transport struct {
	stream *eventstream.Writer
	inbox  chan *jsonrpc.Request

	once   sync.Once
	closed chan struct{}
}

func newTransport(stream *eventstream.Writer) *transport {
	return &transport{
		stream: stream,
		inbox:  make(chan *jsonrpc.Request, inboxSize),
		closed: make(chan struct{}),
	}
}

func (t *transport) Kind() sessions.Kind { return sessions.KindSSE }

func (t *transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.stream.Close()
}

func (t *transport) enqueue(req *jsonrpc.Request) error {
	select {
	case <-t.closed:
		return sessions.ErrSessionClosed
	default:
	}
	select {
	case t.inbox <- req:
		return nil
	default:
		return errInboxFull
	}
}

// ServeStream opens a session and holds its event stream until the client
// goes away or the session closes.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stream, err := eventstream.NewWriter(ctx, w)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.stream.unsupported", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Streaming unsupported")
		return
	}

	userID := auth.UserIDFrom(ctx)
	tr := newTransport(stream)
	s := sessions.New(uuid.NewString(), sessions.KindSSE, userID, h.factory.NewServerInstance(userID), tr, sessions.WithLogger(h.log))
	ctx = s.Context(ctx)
	// Closing must outlive the request context that triggers it.
	closeCtx := context.WithoutCancel(ctx)

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

	eventstream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	endpoint := h.messagePath + "?sessionId=" + url.QueryEscape(s.ID())
	if err := stream.WriteEvent("endpoint", "", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		_ = s.Close(closeCtx)
		return
	}
	h.log.InfoContext(ctx, "sse.stream.open")

	s.Every(h.keepAlive, func() error {
		return stream.WriteComment("keepalive")
	})

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.disconnect")
			_ = s.Close(closeCtx)
			return
		case <-s.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case req := <-tr.inbox:
			if !h.dispatch(ctx, s, stream, req) {
				_ = s.Close(closeCtx)
				<-s.Done()
				return
			}
		}
	}
}

// dispatch runs req and writes its response to the stream. It reports
// false when the stream can no longer be written.
func (h *Handler) dispatch(ctx context.Context, s *sessions.Session, stream *eventstream.Writer, req *jsonrpc.Request) bool {
	resp, err := s.Dispatch(ctx, req)
	if err != nil {
		return !errors.Is(err, sessions.ErrSessionClosed)
	}
	if resp == nil {
		return true
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.marshal.fail", slog.String("err", err.Error()))
		return true
	}
	if err := stream.WriteEvent("message", "", payload); err != nil {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

// ServeMessage accepts one posted JSON-RPC message for the session named by
// the sessionId query parameter. The reply travels over the stream.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.URL.Query().Get("sessionId")
	if id == "" {
		h.log.WarnContext(ctx, "sse.message.missing_session")
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, "Bad Request: missing sessionId parameter")
		return
	}
	s, ok := h.registry.Get(id)
	if !ok || s.Kind() != sessions.KindSSE || s.UserID() != auth.UserIDFrom(ctx) {
		h.log.InfoContext(ctx, "sse.message.unknown_session", slog.String("session_id", id))
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	ctx = s.Context(ctx)
	tr, ok := s.Transport().(*transport)
	if !ok {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
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
		var je *jsonrpc.Error
		code := jsonrpc.ErrorCodeParseError
		if errors.As(err, &je) {
			code = je.Code
		}
		h.log.WarnContext(ctx, "sse.message.invalid", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, code, err.Error())
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	if msg.Type() != "response" {
		switch err := tr.enqueue(msg.AsRequest()); {
		case errors.Is(err, sessions.ErrSessionClosed):
			jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
			return
		case err != nil:
			h.log.WarnContext(ctx, "sse.message.backlog", slog.String("err", err.Error()))
			jsonrpc.WriteHTTPError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeInternalError, "Session busy")
			return
		}
	}
	h.log.DebugContext(ctx, "sse.message.accepted")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}
