package sessions_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/sessions"
)

type countingServer struct {
	closes  atomic.Int32
	handled atomic.Int32
	err     error
}

func (s *countingServer) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	s.handled.Add(1)
	resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{})
	return resp
}

func (s *countingServer) Close() error {
	s.closes.Add(1)
	return s.err
}

type countingTransport struct {
	closes atomic.Int32
}

func (t *countingTransport) Kind() sessions.Kind { return sessions.KindSSE }
func (t *countingTransport) Close() error {
	t.closes.Add(1)
	return nil
}

func newSession(t *testing.T, id string) (*sessions.Session, *countingServer, *countingTransport) {
	t.Helper()
	srv := &countingServer{}
	tr := &countingTransport{}
	s := sessions.New(id, sessions.KindSSE, "user-1", srv, tr)
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return s, srv, tr
}

func TestSessionLifecycle(t *testing.T) {
	srv := &countingServer{}
	s := sessions.New("s1", sessions.KindStreamableHTTP, "u", srv, &countingTransport{})
	if s.State() != sessions.StateInitializing {
		t.Fatalf("want initializing got %s", s.State())
	}
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := s.Activate(); !errors.Is(err, sessions.ErrInvalidTransition) {
		t.Fatalf("second Activate: want ErrInvalidTransition got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != sessions.StateClosed {
		t.Fatalf("want closed got %s", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	if _, err := s.Dispatch(context.Background(), &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "ping"}); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("Dispatch after close: want ErrSessionClosed got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	reg := sessions.NewRegistry()
	s, srv, tr := newSession(t, "s1")
	if err := reg.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Disconnect and error paths racing for the same session.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close(context.Background())
		}()
	}
	wg.Wait()
	<-s.Done()

	if n := srv.closes.Load(); n != 1 {
		t.Fatalf("server closed %d times", n)
	}
	if n := tr.closes.Load(); n != 1 {
		t.Fatalf("transport closed %d times", n)
	}
	if _, ok := reg.Get("s1"); ok {
		t.Fatal("closed session still registered")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := sessions.NewRegistry()
	s, _, _ := newSession(t, "dup")
	if err := reg.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: want panic", name)
			}
		}()
		fn()
	}

	again, _, _ := newSession(t, "dup")
	mustPanic("live id", func() { _ = reg.Register(again) })
}

func TestRegistryForgetsClosedSessions(t *testing.T) {
	reg := sessions.NewRegistry()
	for i := 0; i < 1000; i++ {
		s, _, _ := newSession(t, fmt.Sprintf("s%d", i))
		if err := reg.Register(s); err != nil {
			t.Fatalf("Register: %v", err)
		}
		_ = s.Close(context.Background())
		if _, ok := reg.Get(s.ID()); ok {
			t.Fatalf("%s: closed session still visible", s.ID())
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("want empty registry got %d", reg.Len())
	}
}

func TestRegisterAfterCloseAll(t *testing.T) {
	reg := sessions.NewRegistry()
	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	s, _, _ := newSession(t, "late")
	if err := reg.Register(s); !errors.Is(err, sessions.ErrRegistryClosed) {
		t.Fatalf("want ErrRegistryClosed got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("want empty registry got %d", reg.Len())
	}
}

func TestRegisterRacingCloseAll(t *testing.T) {
	reg := sessions.NewRegistry()
	const n = 50
	all := make([]*sessions.Session, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range all {
		all[i], _, _ = newSession(t, fmt.Sprintf("s%d", i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Register(all[i])
		}(i)
	}
	_ = reg.CloseAll(context.Background())
	wg.Wait()

	for i, s := range all {
		switch {
		case errors.Is(errs[i], sessions.ErrRegistryClosed):
		case errs[i] != nil:
			t.Fatalf("%s: unexpected error %v", s.ID(), errs[i])
		case s.State() != sessions.StateClosed:
			t.Fatalf("%s registered before CloseAll but left %s", s.ID(), s.State())
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("want empty registry got %d", reg.Len())
	}
}

func TestCloseLogsFinalState(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := sessions.New("s1", sessions.KindSSE, "u", &countingServer{}, &countingTransport{}, sessions.WithLogger(log))
	_ = s.Activate()
	_ = s.Close(context.Background())

	states := map[string]string{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec struct {
			Msg  string `json:"msg"`
			Sess struct {
				State string `json:"state"`
			} `json:"sess"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("decode %s: %v", line, err)
		}
		states[rec.Msg] = rec.Sess.State
	}
	if got := states["session.close.start"]; got != "closing" {
		t.Fatalf("close.start: want closing got %q", got)
	}
	if got := states["session.close.ok"]; got != "closed" {
		t.Fatalf("close.ok: want closed got %q", got)
	}
}

func TestRegisterClosedSession(t *testing.T) {
	reg := sessions.NewRegistry()
	s, _, _ := newSession(t, "gone")
	_ = s.Close(context.Background())
	if err := reg.Register(s); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatal("closed session was registered")
	}
}

func TestCloseAll(t *testing.T) {
	reg := sessions.NewRegistry()
	var servers []*countingServer
	for i := 0; i < 5; i++ {
		s, srv, _ := newSession(t, fmt.Sprintf("s%d", i))
		if i == 2 {
			srv.err = errors.New("boom")
		}
		servers = append(servers, srv)
		if err := reg.Register(s); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	err := reg.CloseAll(context.Background())
	if err == nil {
		t.Fatal("want joined error from failing server")
	}
	if reg.Len() != 0 {
		t.Fatalf("want empty registry got %d", reg.Len())
	}
	for i, srv := range servers {
		if srv.closes.Load() != 1 {
			t.Fatalf("server %d closed %d times", i, srv.closes.Load())
		}
	}
}

func TestTimersStopOnClose(t *testing.T) {
	s, _, _ := newSession(t, "ka")

	var ticks atomic.Int32
	s.Every(5*time.Millisecond, func() error {
		ticks.Add(1)
		return nil
	})
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ticks.Load() < 2 {
		t.Fatal("timer never fired")
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if got := ticks.Load(); got != after {
		t.Fatalf("timer fired after close: %d -> %d", after, got)
	}

	s.Every(time.Millisecond, func() error {
		t.Error("timer registered on a closed session must not run")
		return nil
	})
	time.Sleep(10 * time.Millisecond)
}

func TestTimerFailureClosesSession(t *testing.T) {
	reg := sessions.NewRegistry()
	s, srv, _ := newSession(t, "fail")
	if err := reg.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Every(time.Millisecond, func() error { return errors.New("write: broken pipe") })

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after timer failure")
	}
	if srv.closes.Load() != 1 || reg.Len() != 0 {
		t.Fatalf("teardown incomplete: closes=%d live=%d", srv.closes.Load(), reg.Len())
	}
}

func TestDispatchSerialisesRequests(t *testing.T) {
	srv := &slowServer{}
	s := sessions.New("serial", sessions.KindStreamableHTTP, "u", srv, &countingTransport{})
	_ = s.Activate()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := jsonrpc.NewRequestID(int64(i))
			if _, err := s.Dispatch(context.Background(), &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "ping", ID: id}); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if srv.maxInFlight.Load() != 1 {
		t.Fatalf("want one request in flight at a time, saw %d", srv.maxInFlight.Load())
	}
}

type slowServer struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *slowServer) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{})
	return resp
}

func (s *slowServer) Close() error { return nil }
