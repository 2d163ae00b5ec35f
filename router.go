// Package mealmate serves the MealMate MCP server over HTTP.
//
// NewRouter mounts both MCP transports on one handler: the Streamable HTTP
// transport on /mcp and, when enabled, the legacy SSE transport on GET /mcp
// with messages posted to /mcp/messages.
package mealmate

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mealmate/mealmate-mcp/auth"
	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/internal/wellknown"
	"github.com/mealmate/mealmate-mcp/sessions"
	"github.com/mealmate/mealmate-mcp/sse"
	"github.com/mealmate/mealmate-mcp/streaminghttp"
)

const (
	mcpPath      = "/mcp"
	messagesPath = "/mcp/messages"

	serviceName = "mealmate-mcp"
)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) { rt.log = l }
}

// WithAuthenticator sets how bearer tokens resolve to users. Defaults to
// auth.Passthrough.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(rt *Router) { rt.authn = a }
}

// WithBaseURL sets the public URL of the server. Defaults to
// http://localhost:8000.
func WithBaseURL(u string) Option {
	return func(rt *Router) { rt.baseURL = strings.TrimSuffix(u, "/") }
}

// WithLegacySSE enables or disables the SSE transport. Enabled by default.
func WithLegacySSE(enabled bool) Option {
	return func(rt *Router) { rt.legacySSE = enabled }
}

// WithKeepAlive sets the keep-alive interval of both transports.
func WithKeepAlive(d time.Duration) Option {
	return func(rt *Router) { rt.keepAlive = d }
}

// WithAuthorizationServers lists the issuers advertised in the protected
// resource metadata.
func WithAuthorizationServers(issuers ...string) Option {
	return func(rt *Router) { rt.authServers = append([]string(nil), issuers...) }
}

// Router is the HTTP entry point.
type Router struct {
	mux       *http.ServeMux
	sse       *sse.Handler
	streaming *streaminghttp.Handler

	log         *slog.Logger
	authn       auth.Authenticator
	baseURL     string
	legacySSE   bool
	keepAlive   time.Duration
	authServers []string
}

func NewRouter(registry *sessions.Registry, factory sessions.ServerFactory, opts ...Option) *Router {
	rt := &Router{
		authn:     auth.Passthrough{},
		baseURL:   "http://localhost:8000",
		legacySSE: true,
		keepAlive: sse.DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = logctx.New(rt.log)

	rt.sse = sse.New(registry, factory,
		sse.WithLogger(rt.log),
		sse.WithKeepAlive(rt.keepAlive),
		sse.WithMessagePath(messagesPath),
	)
	rt.streaming = streaminghttp.New(registry, factory,
		streaminghttp.WithLogger(rt.log),
		streaminghttp.WithKeepAlive(rt.keepAlive),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", rt.handleHealth)
	mux.HandleFunc(mcpPath, rt.handleMCP)
	mux.HandleFunc(messagesPath, rt.handleMessages)
	mux.Handle(wellknown.ProtectedResourcePath,
		wellknown.Handler(wellknown.NewProtectedResourceMetadata(rt.baseURL, rt.authServers)))
	rt.mux = mux
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	rt.log.DebugContext(ctx, "http.request")
	rt.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}` + "\n"))
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "content-type, mcp-session-id, mcp-protocol-version, authorization")
	h.Set("Access-Control-Expose-Headers", "mcp-session-id")
}

func (rt *Router) handleMCP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		methodNotAllowed(w, "GET, POST, DELETE, OPTIONS")
		return
	}

	r, ok := rt.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		rt.streaming.ServePost(w, r)
	case http.MethodDelete:
		rt.streaming.ServeDelete(w, r)
	case http.MethodGet:
		// Streamable clients identify themselves with either header; only a
		// bare GET opens a legacy SSE stream.
		if !rt.legacySSE ||
			r.Header.Get(streaminghttp.SessionIDHeader) != "" ||
			r.Header.Get(streaminghttp.ProtocolVersionHeader) != "" {
			rt.streaming.ServeGet(w, r)
			return
		}
		rt.sse.ServeStream(w, r)
	}
}

func (rt *Router) handleMessages(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		methodNotAllowed(w, "POST, OPTIONS")
		return
	}
	if !rt.legacySSE {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession, "Session not found")
		return
	}
	r, ok := rt.authenticate(w, r)
	if !ok {
		return
	}
	rt.sse.ServeMessage(w, r)
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	jsonrpc.WriteHTTPError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeInvalidRequest, "Method not allowed")
}

// authenticate resolves the caller and stores it in the request context. On
// failure the challenge has been written and ok is false.
func (rt *Router) authenticate(w http.ResponseWriter, r *http.Request) (_ *http.Request, ok bool) {
	ctx := r.Context()

	tok, err := auth.BearerToken(r)
	var ui auth.UserInfo
	if err == nil {
		ui, err = rt.authn.CheckAuthentication(ctx, tok)
	}
	if err == nil {
		return r.WithContext(auth.WithUserInfo(ctx, ui)), true
	}

	if !errors.Is(err, auth.ErrUnauthorized) && !errors.Is(err, auth.ErrInsufficientScope) && !errors.Is(err, auth.ErrMalformedHeader) {
		rt.log.ErrorContext(ctx, "auth.error", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal error")
		return nil, false
	}
	c := auth.ChallengeFor(err, tok != "", wellknown.MetadataURL(rt.baseURL))
	rt.log.InfoContext(ctx, "auth.fail", slog.Int("status", c.Status), slog.String("err", err.Error()))
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	jsonrpc.WriteHTTPError(w, c.Status, jsonrpc.ErrorCodeInvalidRequest, c.Description)
	return nil, false
}
