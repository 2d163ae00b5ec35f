package streaminghttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mealmate/mealmate-mcp/catalog"
	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/internal/testlog"
	"github.com/mealmate/mealmate-mcp/kitchen"
	"github.com/mealmate/mealmate-mcp/mcpservice"
	"github.com/mealmate/mealmate-mcp/sessions"
	"github.com/mealmate/mealmate-mcp/storage/memory"
	"github.com/mealmate/mealmate-mcp/streaminghttp"
	"github.com/mealmate/mealmate-mcp/widgets"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`

type fixture struct {
	srv      *httptest.Server
	registry *sessions.Registry
}

func newFixture(t *testing.T, opts ...streaminghttp.Option) *fixture {
	t.Helper()
	log := testlog.New(t)
	k := kitchen.New(memory.New())
	c := catalog.New(k, widgets.NewProvider(widgets.WithLogger(log)), catalog.WithLogger(log))
	reg := sessions.NewRegistry(sessions.WithRegistryLogger(log))
	h := streaminghttp.New(reg, mcpservice.NewFactory(c, mcpservice.WithLogger(log)),
		append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, opts...)...)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.ServePost)
	mux.HandleFunc("GET /mcp", h.ServeGet)
	mux.HandleFunc("DELETE /mcp", h.ServeDelete)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = reg.CloseAll(context.Background())
		srv.Close()
	})
	return &fixture{srv: srv, registry: reg}
}

func (f *fixture) do(t *testing.T, method, sessionID, accept, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, f.srv.URL+"/mcp", rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set(streaminghttp.SessionIDHeader, sessionID)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) initialize(t *testing.T) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "", "application/json, text/event-stream", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: want 200 got %d", resp.StatusCode)
	}
	id := resp.Header.Get(streaminghttp.SessionIDHeader)
	if id == "" {
		t.Fatalf("initialize: missing session id header")
	}
	return id
}

func decodeEnvelope(t *testing.T, resp *http.Response) jsonrpc.Response {
	t.Helper()
	var env jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func wantError(t *testing.T, resp *http.Response, status int, code jsonrpc.ErrorCode) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("want status %d got %d", status, resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("want error code %d got %+v", code, env.Error)
	}
}

func TestInitializeRegistersSession(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "", "application/json, text/event-stream", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", resp.StatusCode)
	}
	if v := resp.Header.Get(streaminghttp.ProtocolVersionHeader); v != "2025-06-18" {
		t.Fatalf("want protocol version header 2025-06-18 got %q", v)
	}
	env := decodeEnvelope(t, resp)
	var result struct {
		ServerInfo struct{ Name string } `json:"serverInfo"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil || result.ServerInfo.Name != "mealmate" {
		t.Fatalf("unexpected initialize result %s", env.Result)
	}
	s, ok := f.registry.Get(resp.Header.Get(streaminghttp.SessionIDHeader))
	if !ok {
		t.Fatalf("session not registered")
	}
	if s.State() != sessions.StateActive || s.Kind() != sessions.KindStreamableHTTP {
		t.Fatalf("want active streamable session got %s %s", s.State(), s.Kind())
	}
}

func TestFailedInitializeRegistersNothing(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "", "application/json", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"bogus"}`)
	if resp.Header.Get(streaminghttp.SessionIDHeader) != "" {
		t.Fatalf("failed initialize must not assign a session id")
	}
	env := decodeEnvelope(t, resp)
	if env.Error == nil || env.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("want invalid params got %+v", env.Error)
	}
	if n := f.registry.Len(); n != 0 {
		t.Fatalf("want empty registry got %d", n)
	}
}

func TestInitializeAfterShutdown(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	resp := f.do(t, http.MethodPost, "", "application/json", initializeBody)
	wantError(t, resp, http.StatusServiceUnavailable, jsonrpc.ErrorCodeInternalError)
	if resp.Header.Get(streaminghttp.SessionIDHeader) != "" {
		t.Fatal("refused initialize must not assign a session id")
	}
	if n := f.registry.Len(); n != 0 {
		t.Fatalf("want empty registry got %d", n)
	}
}

func TestPostRejections(t *testing.T) {
	f := newFixture(t)
	sid := f.initialize(t)

	t.Run("no session", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "", "application/json", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		wantError(t, resp, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession)
		if n := f.registry.Len(); n != 1 {
			t.Fatalf("rejected post changed the registry: want 1 session got %d", n)
		}
	})
	t.Run("unknown session", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "nope", "application/json", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		wantError(t, resp, http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession)
	})
	t.Run("second initialize", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, sid, "application/json", initializeBody)
		wantError(t, resp, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest)
	})
	t.Run("batch", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, sid, "application/json", `[{"jsonrpc":"2.0","id":2,"method":"ping"}]`)
		wantError(t, resp, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest)
	})
	t.Run("malformed", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, sid, "application/json", `{"jsonrpc":`)
		wantError(t, resp, http.StatusBadRequest, jsonrpc.ErrorCodeParseError)
	})
	t.Run("not acceptable", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, sid, "text/html", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
		wantError(t, resp, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest)
	})
	t.Run("content type", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/mcp", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set(streaminghttp.SessionIDHeader, sid)
		resp, err := f.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		wantError(t, resp, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest)
	})
}

func TestNotificationAccepted(t *testing.T) {
	f := newFixture(t)
	sid := f.initialize(t)
	resp := f.do(t, http.MethodPost, sid, "application/json", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202 got %d", resp.StatusCode)
	}
}

func TestResponseFormats(t *testing.T) {
	f := newFixture(t)
	sid := f.initialize(t)

	resp := f.do(t, http.MethodPost, sid, "application/json", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("want application/json got %q", ct)
	}
	env := decodeEnvelope(t, resp)
	var tools struct{ Tools []json.RawMessage }
	if err := json.Unmarshal(env.Result, &tools); err != nil || len(tools.Tools) != 13 {
		t.Fatalf("want 13 tools got %s", env.Result)
	}

	resp = f.do(t, http.MethodPost, sid, "text/event-stream", `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("want text/event-stream got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if want := "event: message\ndata: {\"jsonrpc\":\"2.0\",\"result\":{},\"id\":3}\n\n"; string(body) != want {
		t.Fatalf("want %q got %q", want, body)
	}
}

func TestNotificationStream(t *testing.T) {
	f := newFixture(t, streaminghttp.WithKeepAlive(10*time.Millisecond))
	sid := f.initialize(t)

	t.Run("missing header", func(t *testing.T) {
		wantError(t, f.do(t, http.MethodGet, "", "text/event-stream", ""), http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession)
	})
	t.Run("unknown session", func(t *testing.T) {
		wantError(t, f.do(t, http.MethodGet, "nope", "text/event-stream", ""), http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession)
		if n := f.registry.Len(); n != 1 {
			t.Fatalf("rejected get changed the registry: want 1 session got %d", n)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(streaminghttp.SessionIDHeader, sid)
	stream, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", stream.StatusCode)
	}
	br := bufio.NewReader(stream.Body)
	line, err := br.ReadString('\n')
	if err != nil || line != ": keepalive\n" {
		t.Fatalf("want keepalive got %q (%v)", line, err)
	}

	wantError(t, f.do(t, http.MethodGet, sid, "text/event-stream", ""), http.StatusConflict, jsonrpc.ErrorCodeInvalidSession)

	if resp := f.do(t, http.MethodDelete, sid, "", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: want 204 got %d", resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, br); err != nil {
		t.Fatalf("stream should end cleanly after delete: %v", err)
	}
	if n := f.registry.Len(); n != 0 {
		t.Fatalf("want empty registry got %d", n)
	}
	wantError(t, f.do(t, http.MethodPost, sid, "application/json", `{"jsonrpc":"2.0","id":9,"method":"ping"}`), http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	wantError(t, f.do(t, http.MethodDelete, "", "", ""), http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession)
	wantError(t, f.do(t, http.MethodDelete, "nope", "", ""), http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession)

	sid := f.initialize(t)
	s, _ := f.registry.Get(sid)
	if resp := f.do(t, http.MethodDelete, sid, "", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("want 204 got %d", resp.StatusCode)
	}
	if s.State() != sessions.StateClosed {
		t.Fatalf("want closed got %s", s.State())
	}
	wantError(t, f.do(t, http.MethodDelete, sid, "", ""), http.StatusNotFound, jsonrpc.ErrorCodeInvalidSession)
}

func TestGoSDKClient(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "1.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{Endpoint: f.srv.URL + "/mcp"}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	if got := cs.InitializeResult().ServerInfo.Name; got != "mealmate" {
		t.Fatalf("want server name mealmate got %q", got)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(lt.Tools) != 13 {
		t.Fatalf("want 13 tools got %d", len(lt.Tools))
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "get_user_profile", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok || text.Text != "User profile retrieved." {
		t.Fatalf("unexpected content %+v", res.Content[0])
	}
	structured, _ := res.StructuredContent.(map[string]any)
	profile, _ := structured["profile"].(map[string]any)
	if profile["id"] != kitchen.DemoUserID {
		t.Fatalf("want demo profile got %v", res.StructuredContent)
	}
}
