package mcp

import "encoding/json"

// Method is an MCP method name as it appears in a JSON-RPC request.
type Method string

// Methods served by mealmate. Every notification is accepted and ignored, so
// none are listed here.
const (
	InitializeMethod Method = "initialize"
	PingMethod       Method = "ping"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	ResourcesListMethod          Method = "resources/list"
	ResourcesReadMethod          Method = "resources/read"
	ResourcesTemplatesListMethod Method = "resources/templates/list"
)

// BaseMetadata is the _meta object results may carry. Widget tools put their
// openai/* keys here.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// ListToolsResult is never paginated; the catalog is small and fixed.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequestReceived is a tools/call as decoded from the wire; arguments
// stay raw until the catalog validates them.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	BaseMetadata
}

// CallToolResult is the outcome of a tool invocation. Domain failures set
// IsError and describe the problem in Content.
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	IsError           bool           `json:"isError,omitzero"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	BaseMetadata
}

type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}

type ReadResourceRequest struct {
	URI string `json:"uri"`
}

type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
	BaseMetadata
}

// EmptyResult answers ping.
type EmptyResult struct{}
