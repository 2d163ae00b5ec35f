// Package streaminghttp implements the Streamable HTTP transport of the
// Model Context Protocol on a single endpoint.
//
// POST carries one JSON-RPC message. A POST without the Mcp-Session-Id header
// must be an initialize request; it creates the session in two phases and the
// session is only registered once initialize succeeded. Responses to requests
// come back either as application/json or as a single text/event-stream event,
// whichever the client's Accept header prefers.
//
// GET attaches the session's notification stream. Only one may be attached
// at a time and it is kept alive with comment frames until the session ends.
//
// DELETE closes the session.
package streaminghttp
