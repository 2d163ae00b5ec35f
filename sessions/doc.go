// Package sessions holds the per-connection session object and the registry
// that owns every live session of a process.
//
// A Session pairs one protocol server instance with one transport and any
// auxiliary timers the transport starts (keep-alives). Its lifecycle is an
// explicit state machine:
//
//	INITIALIZING -> ACTIVE -> CLOSING -> CLOSED
//
// Teardown runs exactly once no matter how many paths request it (client
// disconnect, write failure, explicit DELETE, process shutdown):
//
//	cancel timers -> remove from registry -> close server -> close transport
//
// The Registry is the only place sessions are looked up. Removal from the
// registry is the authoritative signal that a session no longer exists.
// After CloseAll the registry refuses new sessions.
//
// Example:
//
//	reg := sessions.NewRegistry()
//	s := sessions.New(id, sessions.KindSSE, userID, server, transport)
//	if err := s.Activate(); err != nil { ... }
//	if err := reg.Register(s); err != nil { ... }
//	defer s.Close(context.Background())
package sessions
