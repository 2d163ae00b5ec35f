package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mealmate/mealmate-mcp/internal/logctx"
)

// Registry maps session ids to live sessions. It is safe for concurrent use.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger. Defaults to slog.Default().
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logctx.New(r.log)
	return r
}

// Register inserts s and binds it to the registry so that closing s removes
// it. Registering a live id panics: ids come from a random generator and a
// repeat means the generator is broken. Registering a session that already
// started closing fails with ErrSessionClosed; registering after CloseAll
// fails with ErrRegistryClosed.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, ok := r.sessions[s.id]; ok {
		r.mu.Unlock()
		panic(fmt.Sprintf("sessions: duplicate session id %q", s.id))
	}
	// Binding under r.mu means a concurrent Close either sees the session
	// closed here or finds the registry and waits on r.mu to remove it.
	if !s.bind(r) {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	r.sessions[s.id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.InfoContext(s.Context(context.Background()), "session.register", slog.Int("live", n))
	return nil
}

// Get returns the live session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove forgets id. It does not close the session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.log.Debug("session.remove", slog.String("session_id", id))
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll stops the registry accepting sessions, then closes every live
// session concurrently and waits for all of them. A failure closing one
// session is logged and does not stop the others; the failures are returned
// joined.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				r.log.WarnContext(s.Context(ctx), "session.close.fail", slog.String("err", err.Error()))
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	r.mu.Lock()
	clear(r.sessions)
	r.mu.Unlock()

	r.log.InfoContext(ctx, "registry.close_all", slog.Int("sessions", len(all)), slog.Int("failed", len(errs)))
	return errors.Join(errs...)
}
