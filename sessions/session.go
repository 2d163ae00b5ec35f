package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mealmate/mealmate-mcp/internal/jsonrpc"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
)

var (
	// ErrSessionNotFound is returned for ids the registry does not hold.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned once a session has started closing.
	ErrSessionClosed = errors.New("session closed")
	// ErrRegistryClosed is returned by Register once CloseAll has run.
	ErrRegistryClosed = errors.New("session registry closed")
	// ErrInvalidTransition reports a lifecycle step taken from the wrong state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Kind is the wire protocol generation a session was opened with. It never
// changes for the lifetime of a session.
type Kind int

const (
	KindSSE Kind = iota + 1
	KindStreamableHTTP
)

func (k Kind) String() string {
	switch k {
	case KindSSE:
		return "sse"
	case KindStreamableHTTP:
		return "streamable-http"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type State int

const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is the wire side of a session. Close must release any open
// response stream; it is called once, during teardown.
type Transport interface {
	Kind() Kind
	Close() error
}

// ServerInstance is the protocol side of a session.
type ServerInstance interface {
	// Handle processes one inbound message. It returns nil for notifications.
	Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
	Close() error
}

// ServerFactory builds the server instance for a new session.
type ServerFactory interface {
	NewServerInstance(userID string) ServerInstance
}

// Session is safe for concurrent use.
type Session struct {
	id        string
	kind      Kind
	userID    string
	server    ServerInstance
	transport Transport
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	timers   []*auxTimer
	registry *Registry
	done     chan struct{}

	// dispatchMu serialises inbound requests so they run in arrival order.
	dispatchMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// New returns a session in the INITIALIZING state.
func New(id string, kind Kind, userID string, server ServerInstance, transport Transport, opts ...Option) *Session {
	s := &Session{
		id:        id,
		kind:      kind,
		userID:    userID,
		server:    server,
		transport: transport,
		state:     StateInitializing,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.New(s.log)
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Kind() Kind             { return s.kind }
func (s *Session) UserID() string         { return s.userID }
func (s *Session) Server() ServerInstance { return s.server }
func (s *Session) Transport() Transport   { return s.transport }
func (s *Session) Done() <-chan struct{}  { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context annotates ctx with the session's log attributes.
func (s *Session) Context(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.id,
		UserID:    s.userID,
		Transport: s.kind.String(),
		State:     s.State().String(),
	})
}

// Activate moves an INITIALIZING session to ACTIVE.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateActive)
	}
	s.state = StateActive
	return nil
}

// Dispatch hands req to the server instance. Requests of one session are
// processed one at a time in arrival order. Once the session is closing,
// Dispatch fails with ErrSessionClosed.
func (s *Session) Dispatch(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !s.open() {
		return nil, ErrSessionClosed
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if !s.open() {
		return nil, ErrSessionClosed
	}
	return s.server.Handle(s.Context(ctx), req), nil
}

func (s *Session) open() bool {
	st := s.State()
	return st == StateInitializing || st == StateActive
}

// Every runs fn every d until the session closes. If fn fails the session is
// closed. Every is a no-op on a closing session.
func (s *Session) Every(d time.Duration, fn func() error) {
	t := &auxTimer{stop: make(chan struct{}), done: make(chan struct{})}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.timers = append(s.timers, t)
	s.mu.Unlock()

	go func() {
		var failed error
		defer func() {
			close(t.done)
			if failed != nil {
				s.log.Info("session.timer.fail", slog.String("session_id", s.id), slog.String("err", failed.Error()))
				_ = s.Close(context.Background())
			}
		}()
		tick := time.NewTicker(d)
		defer tick.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tick.C:
				// A tick racing with stop must not run fn after cancel.
				select {
				case <-t.stop:
					return
				default:
				}
				if err := fn(); err != nil {
					failed = err
					return
				}
			}
		}
	}()
}

type auxTimer struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// cancel stops the timer and waits for an in-flight tick to finish.
func (t *auxTimer) cancel() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

// Close tears the session down. Only the first call does any work; later
// calls return nil immediately.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = StateClosing
	timers := s.timers
	s.timers = nil
	reg := s.registry
	s.mu.Unlock()

	start := time.Now()
	ctx = s.Context(ctx)
	s.log.DebugContext(ctx, "session.close.start", slog.String("from", from.String()))

	for _, t := range timers {
		t.cancel()
	}
	if reg != nil {
		reg.Remove(s.id)
	}

	var errs []error
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close server: %w", err))
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)

	ctx = s.Context(ctx)
	err := errors.Join(errs...)
	if err != nil {
		s.log.WarnContext(ctx, "session.close.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return err
	}
	s.log.InfoContext(ctx, "session.close.ok", slog.Duration("dur", time.Since(start)))
	return nil
}

// bind records the owning registry unless the session already started
// closing.
func (s *Session) bind(r *Registry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing && s.state != StateActive {
		return false
	}
	s.registry = r
	return true
}
