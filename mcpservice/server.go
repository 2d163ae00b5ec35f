package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mealmate/mealmate-mcp/catalog"
	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/mcp"
	"github.com/mealmate/mealmate-mcp/sessions"
)

// DefaultServerInfo identifies the server during initialize.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "mealmate", Version: "0.1.0"}

const defaultInstructions = "MealMate saves recipes you generate, plans meals across days and builds shopping lists from meal plans. " +
	"Call the show_* tools to display the matching MealMate widget."

// Catalog is the tool and resource registry a Server delegates to.
type Catalog interface {
	ListTools() []mcp.Tool
	ListResources() []mcp.Resource
	ListResourceTemplates() []mcp.ResourceTemplate
	ResourceContent(uri string) (mcp.ResourceContents, error)
	Invoke(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

var _ Catalog = (*catalog.Catalog)(nil)

// Option configures servers built by a Factory.
type Option func(*config)

type config struct {
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string
	onClose      func(userID string)
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithServerInfo overrides DefaultServerInfo.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *config) { c.info = info }
}

// WithInstructions overrides the instructions returned at initialize.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithOnClose registers fn to run once when a server closes.
func WithOnClose(fn func(userID string)) Option {
	return func(c *config) { c.onClose = fn }
}

// Factory builds one Server per session.
type Factory struct {
	catalog Catalog
	cfg     config
}

func NewFactory(c Catalog, opts ...Option) *Factory {
	cfg := config{info: DefaultServerInfo, instructions: defaultInstructions}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.log = logctx.New(cfg.log)
	return &Factory{catalog: c, cfg: cfg}
}

// NewServer returns a server acting on behalf of userID.
func (f *Factory) NewServer(userID string) *Server {
	return &Server{catalog: f.catalog, cfg: f.cfg, userID: userID}
}

// NewServerInstance satisfies sessions.ServerFactory.
func (f *Factory) NewServerInstance(userID string) sessions.ServerInstance {
	return f.NewServer(userID)
}

var _ sessions.ServerFactory = (*Factory)(nil)

// Server is the protocol server of one session. It is safe for concurrent
// use.
type Server struct {
	catalog Catalog
	cfg     config
	userID  string

	mu              sync.Mutex
	closed          bool
	protocolVersion string
}

// ProtocolVersion returns the version negotiated at initialize, if any.
func (s *Server) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Close releases the server. Only the first call has any effect.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.cfg.onClose != nil {
		s.cfg.onClose(s.userID)
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Handle processes one inbound request. Notifications yield nil.
func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	ctx = catalog.WithUserID(ctx, s.userID)
	log := s.cfg.log

	if req.IsNotification() {
		log.DebugContext(ctx, "rpc.notification", slog.String("method", req.Method))
		return nil
	}
	if s.isClosed() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "server closed", nil)
	}

	var (
		result any
		rpcErr *jsonrpc.Error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result, rpcErr = s.initialize(req)
	case mcp.PingMethod:
		result = mcp.EmptyResult{}
	case mcp.ToolsListMethod:
		result = &mcp.ListToolsResult{Tools: s.catalog.ListTools()}
	case mcp.ToolsCallMethod:
		result, rpcErr = s.callTool(ctx, req)
	case mcp.ResourcesListMethod:
		result = &mcp.ListResourcesResult{Resources: s.catalog.ListResources()}
	case mcp.ResourcesTemplatesListMethod:
		result = &mcp.ListResourceTemplatesResult{ResourceTemplates: s.catalog.ListResourceTemplates()}
	case mcp.ResourcesReadMethod:
		result, rpcErr = s.readResource(req)
	default:
		rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "Method not found: "+req.Method, nil)
	}

	if rpcErr != nil {
		log.InfoContext(ctx, "rpc.inbound.error", slog.Int("code", int(rpcErr.Code)), slog.String("err", rpcErr.Message), slog.Duration("dur", time.Since(start)))
		return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	return resp
}

func (s *Server) initialize(req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
	}
	version := mcp.LatestProtocolVersion
	if slices.Contains(mcp.SupportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	s.mu.Lock()
	s.protocolVersion = version
	s.mu.Unlock()

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Resources: &mcp.ResourcesCapability{},
			Tools:     &mcp.ToolsCapability{},
		},
		ServerInfo:   s.cfg.info,
		Instructions: s.cfg.instructions,
	}, nil
}

func (s *Server) callTool(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	res, err := s.catalog.Invoke(ctx, params.Name, params.Arguments)
	if err == nil {
		return res, nil
	}

	var ve *catalog.ValidationError
	switch {
	case errors.Is(err, catalog.ErrUnknownTool):
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Unknown tool: "+params.Name, map[string]any{"tool": params.Name})
	case errors.As(err, &ve):
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, ve.Error(), map[string]any{"tool": ve.Tool, "fields": ve.Fields})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "cancelled", nil)
	}
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("Error: %s", err.Error()))},
		IsError: true,
	}, nil
}

func (s *Server) readResource(req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	rc, err := s.catalog.ResourceContent(params.URI)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownResource) {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeResourceNotFound, "Unknown resource: "+params.URI, map[string]any{"uri": params.URI})
		}
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{rc}}, nil
}
