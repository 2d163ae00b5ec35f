package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/internal/testlog"
	"github.com/mealmate/mealmate-mcp/sessions"
)

type echoServer struct {
	closed atomic.Int32
}

func (e *echoServer) Handle(_ context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		return nil
	}
	resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{"method": req.Method})
	return resp
}

func (e *echoServer) Close() error {
	e.closed.Add(1)
	return nil
}

type echoFactory struct {
	mu      sync.Mutex
	servers []*echoServer
}

func (f *echoFactory) NewServerInstance(string) sessions.ServerInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &echoServer{}
	f.servers = append(f.servers, s)
	return s
}

func (f *echoFactory) server(i int) *echoServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[i]
}

type fixture struct {
	srv      *httptest.Server
	registry *sessions.Registry
	factory  *echoFactory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := testlog.New(t)
	reg := sessions.NewRegistry(sessions.WithRegistryLogger(log))
	f := &echoFactory{}
	h := New(reg, f, append([]Option{WithLogger(log)}, opts...)...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /mcp", h.ServeStream)
	mux.HandleFunc("POST /mcp/messages", h.ServeMessage)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = reg.CloseAll(context.Background())
		srv.Close()
	})
	return &fixture{srv: srv, registry: reg, factory: f}
}

type frame struct {
	event   string
	data    string
	comment string
}

// nextFrame reads one blank-line terminated frame.
func nextFrame(t *testing.T, br *bufio.Reader) (frame, error) {
	t.Helper()
	var f frame
	var data []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			f.data = strings.Join(data, "\n")
			return f, nil
		case strings.HasPrefix(line, ": "):
			f.comment = strings.TrimPrefix(line, ": ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
}

// openStream opens the GET stream and returns the endpoint it advertised.
func (f *fixture) openStream(t *testing.T, ctx context.Context) (*http.Response, *bufio.Reader, string) {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", resp.StatusCode)
	}
	br := bufio.NewReader(resp.Body)
	ev, err := nextFrame(t, br)
	if err != nil {
		t.Fatalf("read endpoint: %v", err)
	}
	if ev.event != "endpoint" {
		t.Fatalf("want endpoint event got %+v", ev)
	}
	return resp, br, ev.data
}

func (f *fixture) post(t *testing.T, path, contentType, body string) *http.Response {
	t.Helper()
	resp, err := f.srv.Client().Post(f.srv.URL+path, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamAdvertisesEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, _, endpoint := f.openStream(t, ctx)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("want text/event-stream got %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("want no-cache got %q", cc)
	}
	if !strings.HasPrefix(endpoint, "/mcp/messages?sessionId=") {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
	id := strings.TrimPrefix(endpoint, "/mcp/messages?sessionId=")
	s, ok := f.registry.Get(id)
	if !ok {
		t.Fatalf("session %q not registered", id)
	}
	if s.State() != sessions.StateActive || s.Kind() != sessions.KindSSE {
		t.Fatalf("want active sse session got %s %s", s.State(), s.Kind())
	}
}

func TestMessageRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, br, endpoint := f.openStream(t, ctx)

	resp := f.post(t, endpoint, "application/json", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202 got %d", resp.StatusCode)
	}
	resp = f.post(t, endpoint, "application/json", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202 got %d", resp.StatusCode)
	}
	if b, _ := io.ReadAll(resp.Body); string(b) != "Accepted" {
		t.Fatalf("want body Accepted got %q", b)
	}

	ev, err := nextFrame(t, br)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if ev.event != "message" {
		t.Fatalf("want message event got %+v", ev)
	}
	var got struct {
		ID     int            `json:"id"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal([]byte(ev.data), &got); err != nil {
		t.Fatalf("decode %q: %v", ev.data, err)
	}
	if got.ID != 1 || got.Result["method"] != "tools/list" {
		t.Fatalf("unexpected response %s", ev.data)
	}
}

func TestMessagesKeepOrder(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, br, endpoint := f.openStream(t, ctx)

	for i := 1; i <= 5; i++ {
		body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": i, "method": "ping"})
		if resp := f.post(t, endpoint, "application/json", string(body)); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("want 202 got %d", resp.StatusCode)
		}
	}
	for i := 1; i <= 5; i++ {
		ev, err := nextFrame(t, br)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var got struct{ ID int }
		_ = json.Unmarshal([]byte(ev.data), &got)
		if got.ID != i {
			t.Fatalf("want id %d got %d", i, got.ID)
		}
	}
}

func TestMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, endpoint := f.openStream(t, ctx)

	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		status      int
		code        jsonrpc.ErrorCode
	}{
		{name: "missing session", path: "/mcp/messages", contentType: "application/json", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, status: http.StatusBadRequest, code: jsonrpc.ErrorCodeInvalidSession},
		{name: "unknown session", path: "/mcp/messages?sessionId=nope", contentType: "application/json", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, status: http.StatusNotFound, code: jsonrpc.ErrorCodeInvalidSession},
		{name: "content type", path: endpoint, contentType: "text/plain", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, status: http.StatusUnsupportedMediaType, code: jsonrpc.ErrorCodeInvalidRequest},
		{name: "malformed json", path: endpoint, contentType: "application/json", body: `{"jsonrpc":`, status: http.StatusBadRequest, code: jsonrpc.ErrorCodeParseError},
		{name: "batch", path: endpoint, contentType: "application/json", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, status: http.StatusBadRequest, code: jsonrpc.ErrorCodeInvalidRequest},
		{name: "not json-rpc", path: endpoint, contentType: "application/json", body: `{"hello":"world"}`, status: http.StatusBadRequest, code: jsonrpc.ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.path, tt.contentType, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("want status %d got %d", tt.status, resp.StatusCode)
			}
			var env jsonrpc.Response
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Fatalf("want code %d got %+v", tt.code, env.Error)
			}
			if env.ID != nil {
				t.Fatalf("want null id got %v", env.ID)
			}
		})
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	resp, _, endpoint := f.openStream(t, ctx)
	id := strings.TrimPrefix(endpoint, "/mcp/messages?sessionId=")
	s, _ := f.registry.Get(id)

	cancel()
	resp.Body.Close()

	waitFor(t, "session removal", func() bool { return f.registry.Len() == 0 })
	<-s.Done()
	if s.State() != sessions.StateClosed {
		t.Fatalf("want closed got %s", s.State())
	}
	if n := f.factory.server(0).closed.Load(); n != 1 {
		t.Fatalf("want server closed once got %d", n)
	}

	post := f.post(t, endpoint, "application/json", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if post.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 after close got %d", post.StatusCode)
	}
}

func TestKeepAliveStopsWhenSessionCloses(t *testing.T) {
	f := newFixture(t, WithKeepAlive(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, br, _ := f.openStream(t, ctx)

	ev, err := nextFrame(t, br)
	if err != nil {
		t.Fatalf("read keepalive: %v", err)
	}
	if ev.comment != "keepalive" {
		t.Fatalf("want keepalive comment got %+v", ev)
	}

	if err := f.registry.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}
	// The stream ends once the session is closed; no frame may follow
	// except keep-alives already in flight.
	for {
		ev, err := nextFrame(t, br)
		if err != nil {
			break
		}
		if ev.comment != "keepalive" {
			t.Fatalf("unexpected frame after close %+v", ev)
		}
	}
	if n := f.factory.server(0).closed.Load(); n != 1 {
		t.Fatalf("want server closed once got %d", n)
	}
}
