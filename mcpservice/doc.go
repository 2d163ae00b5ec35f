// Package mcpservice implements the per-session MCP protocol server.
//
// A Server answers the MCP handshake and the tools and resources methods by
// delegating to a Catalog. It holds no conversational state beyond the
// negotiated protocol version, so a Factory can build one cheaply for every
// session:
//
//	f := mcpservice.NewFactory(cat, mcpservice.WithLogger(log))
//	srv := f.NewServer(userID)
//	resp := srv.Handle(ctx, req)
//	defer srv.Close()
//
// Failures inside a handler become JSON-RPC error responses or tool results
// flagged isError; they never end the session.
package mcpservice
