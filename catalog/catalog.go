// Package catalog is the static registry of mealmate tools and resources.
// It validates tool arguments against each tool's declared input schema and
// delegates the work to the kitchen domain service. Resources are the widget
// templates served by a widgets.Provider.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/kitchen"
	"github.com/mealmate/mealmate-mcp/mcp"
	"github.com/mealmate/mealmate-mcp/widgets"
)

var (
	// ErrUnknownTool is returned by Invoke for a name with no registered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownResource is returned by ResourceContent for an unregistered uri.
	ErrUnknownResource = errors.New("unknown resource")
)

// ValidationError reports tool arguments that do not satisfy the tool's
// input schema. Nothing has been executed when it is returned.
type ValidationError struct {
	Tool   string
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s (%s): %s", e.Tool, strings.Join(e.Fields, ", "), e.Reason)
}

type userIDKey struct{}

// WithUserID binds the calling user to ctx for Invoke.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom returns the user bound by WithUserID, or the demo user.
func UserIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok && id != "" && id != "anonymous" {
		return id
	}
	return kitchen.DemoUserID
}

type handlerFunc func(ctx context.Context, userID string, raw json.RawMessage) (*mcp.CallToolResult, error)

type tool struct {
	desc     mcp.Tool
	validate *validator
	handle   handlerFunc
}

// Catalog is immutable after New and safe for concurrent use.
type Catalog struct {
	kitchen *kitchen.Service
	widgets *widgets.Provider
	log     *slog.Logger

	tools  []*tool
	byName map[string]*tool
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.log = l }
}

// New builds the catalog. It panics if a tool's input schema cannot be
// compiled, which only happens when an argument type is malformed.
func New(k *kitchen.Service, w *widgets.Provider, opts ...Option) *Catalog {
	c := &Catalog{kitchen: k, widgets: w}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.New(c.log)
	c.byName = make(map[string]*tool)
	for _, t := range c.definitions() {
		if _, dup := c.byName[t.desc.Name]; dup {
			panic("catalog: duplicate tool " + t.desc.Name)
		}
		c.tools = append(c.tools, t)
		c.byName[t.desc.Name] = t
	}
	return c
}

// ListTools returns every tool descriptor in registration order.
func (c *Catalog) ListTools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.desc)
	}
	return out
}

// ListResources returns the widget resources.
func (c *Catalog) ListResources() []mcp.Resource {
	return c.widgets.Resources()
}

// ListResourceTemplates returns the widget resource templates.
func (c *Catalog) ListResourceTemplates() []mcp.ResourceTemplate {
	return c.widgets.ResourceTemplates()
}

// ResourceContent returns the markup of the widget registered under uri.
func (c *Catalog) ResourceContent(uri string) (mcp.ResourceContents, error) {
	w, ok := c.widgets.ByURI(uri)
	if !ok {
		return mcp.ResourceContents{}, fmt.Errorf("%w: %s", ErrUnknownResource, uri)
	}
	return mcp.ResourceContents{
		URI:      w.TemplateURI,
		MimeType: widgets.MimeType,
		Text:     w.HTML,
		Meta:     w.Meta(),
	}, nil
}

// Invoke validates args and runs the named tool for the user bound to ctx.
// Unknown names fail with ErrUnknownTool and invalid arguments with a
// *ValidationError. Other errors come from the domain service.
func (c *Catalog) Invoke(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	t, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
	if err := t.validate.validate(name, args); err != nil {
		c.log.InfoContext(ctx, "tool.invalid", slog.String("err", err.Error()))
		return nil, err
	}

	start := time.Now()
	res, err := t.handle(ctx, UserIDFrom(ctx), args)
	if err != nil {
		c.log.InfoContext(ctx, "tool.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, err
	}
	c.log.DebugContext(ctx, "tool.ok", slog.Duration("dur", time.Since(start)))
	return res, nil
}

type annotations struct {
	readOnly, destructive, openWorld bool
}

// newTool reflects A into the descriptor's input schema and wraps fn with
// strict decoding.
func newTool[A any](name, title, description string, ann annotations, fn func(ctx context.Context, userID string, args A) (*mcp.CallToolResult, error)) *tool {
	schema := reflectInputSchema[A]()
	v, err := newValidator(schema)
	if err != nil {
		panic(fmt.Sprintf("catalog: tool %s: %v", name, err))
	}
	return &tool{
		desc: mcp.Tool{
			Name:        name,
			Title:       title,
			Description: description,
			InputSchema: schema,
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint:    ann.readOnly,
				DestructiveHint: ann.destructive,
				OpenWorldHint:   ann.openWorld,
			},
		},
		validate: v,
		handle: func(ctx context.Context, userID string, raw json.RawMessage) (*mcp.CallToolResult, error) {
			var a A
			if len(raw) > 0 && string(raw) != "null" {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, &ValidationError{Tool: name, Fields: decodeFields(err), Reason: err.Error()}
				}
			}
			return fn(ctx, userID, a)
		},
	}
}

// result builds a tool result with one text block and structured content.
func result(text string, structured any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{mcp.TextContent(text)},
		StructuredContent: toMap(structured),
	}
}

// toMap renders v as its JSON object form so results read the same before
// and after a trip over the wire.
func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
