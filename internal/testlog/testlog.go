// Package testlog routes slog output to testing.TB.Log.
package testlog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type state struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done bool
}

type bridge struct {
	slog.Handler
	t  testing.TB
	st *state
}

// New returns a debug-level logger writing to t. Records logged after the
// test finished are dropped.
func New(t testing.TB) *slog.Logger {
	st := &state{}
	t.Cleanup(func() {
		st.mu.Lock()
		st.done = true
		st.mu.Unlock()
	})
	return slog.New(&bridge{
		t:       t,
		st:      st,
		Handler: slog.NewTextHandler(&st.buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
}

func (b *bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	if b.st.done {
		return nil
	}
	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	out, err := io.ReadAll(&b.st.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(out, []byte("\n"))))
	return nil
}

func (b *bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &bridge{t: b.t, st: b.st, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *bridge) WithGroup(name string) slog.Handler {
	return &bridge{t: b.t, st: b.st, Handler: b.Handler.WithGroup(name)}
}
