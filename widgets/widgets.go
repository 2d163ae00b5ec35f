// Package widgets provides the UI templates rendered by the client next to
// tool results. Each widget is exposed as an MCP resource holding its HTML
// markup and a metadata bundle of display hints.
package widgets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/mcp"
)

// MimeType is the media type of widget markup.
const MimeType = "text/html+skybridge"

// CSP lists the origins a widget may reach.
type CSP struct {
	ConnectDomains  []string `json:"connect_domains"`
	ResourceDomains []string `json:"resource_domains"`
	RedirectDomains []string `json:"redirect_domains"`
}

// Widget is one renderable template.
type Widget struct {
	ID            string
	Title         string
	Description   string
	TemplateURI   string
	Invoking      string
	Invoked       string
	HTML          string
	PrefersBorder bool
	CSP           *CSP
}

type definition struct {
	id, title, description, invoking, invoked string
}

var definitions = []definition{
	{"mealmate-dashboard", "MealMate Dashboard", "Overview of your recipes, meal plans, and quick actions", "Loading your dashboard...", "Here is your MealMate dashboard"},
	{"mealmate-recipes", "Recipe Collection", "Browse and manage your saved recipes", "Fetching your recipes...", "Here are your saved recipes"},
	{"mealmate-recipe-detail", "Recipe Details", "Full recipe with ingredients, instructions, and nutrition", "Loading recipe details...", "Here is the recipe"},
	{"mealmate-meal-plan", "Meal Plan Calendar", "View and manage your weekly meal schedule", "Loading your meal plan...", "Here is your meal plan"},
	{"mealmate-shopping-list", "Shopping List", "Organized shopping list from your meal plan", "Generating shopping list...", "Here is your shopping list"},
	{"mealmate-settings", "Settings", "Manage your dietary goals and preferences", "Loading settings...", "Here are your settings"},
}

// TemplateURI returns the resource uri of a widget id.
func TemplateURI(id string) string {
	return "ui://widget/" + id + ".html"
}

// Provider owns the widget set. It is safe for concurrent use.
type Provider struct {
	mu      sync.RWMutex
	widgets []Widget
	byURI   map[string]int

	assetsDir string
	baseURL   string
	log       *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithAssetsDir sets the directory holding the built widget HTML files.
func WithAssetsDir(dir string) Option {
	return func(p *Provider) { p.assetsDir = dir }
}

// WithBaseURL sets the origin widgets may connect back to.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// NewProvider builds the widget set and loads markup from the assets dir.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{baseURL: "http://localhost:8000"}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logctx.New(p.log)
	p.Reload()
	return p
}

// Reload re-reads every widget's markup.
func (p *Provider) Reload() {
	csp := &CSP{ConnectDomains: []string{p.baseURL}, ResourceDomains: []string{}, RedirectDomains: []string{}}
	ws := make([]Widget, 0, len(definitions))
	idx := make(map[string]int, len(definitions))
	for _, d := range definitions {
		w := Widget{
			ID:          d.id,
			Title:       d.title,
			Description: d.description,
			TemplateURI: TemplateURI(d.id),
			Invoking:    d.invoking,
			Invoked:     d.invoked,
			HTML:        p.readHTML(d.id),
			CSP:         csp,
		}
		idx[w.TemplateURI] = len(ws)
		ws = append(ws, w)
	}

	p.mu.Lock()
	p.widgets = ws
	p.byURI = idx
	p.mu.Unlock()
}

// readHTML prefers <id>.html, then the lexically last <id>-*.html.
func (p *Provider) readHTML(id string) string {
	if p.assetsDir == "" {
		return placeholder(id, "Build required")
	}
	if _, err := os.Stat(p.assetsDir); err != nil {
		return placeholder(id, "Build required")
	}
	if b, err := os.ReadFile(filepath.Join(p.assetsDir, id+".html")); err == nil {
		return string(b)
	}
	entries, err := os.ReadDir(p.assetsDir)
	if err != nil {
		p.log.Warn("widgets.assets.read.fail", slog.String("err", err.Error()))
		return placeholder(id, "not found")
	}
	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, id+"-") && strings.HasSuffix(name, ".html") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return placeholder(id, "not found")
	}
	sort.Strings(candidates)
	b, err := os.ReadFile(filepath.Join(p.assetsDir, candidates[len(candidates)-1]))
	if err != nil {
		p.log.Warn("widgets.assets.read.fail", slog.String("err", err.Error()))
		return placeholder(id, "not found")
	}
	return string(b)
}

func placeholder(id, status string) string {
	return fmt.Sprintf(`<!DOCTYPE html><html><body><div id="root">Widget %s - %s</div></body></html>`, id, status)
}

// All returns a snapshot of every widget.
func (p *Provider) All() []Widget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Widget(nil), p.widgets...)
}

// ByURI looks a widget up by its template uri.
func (p *Provider) ByURI(uri string) (Widget, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.byURI[uri]
	if !ok {
		return Widget{}, false
	}
	return p.widgets[i], true
}

// ByID looks a widget up by id.
func (p *Provider) ByID(id string) (Widget, bool) {
	return p.ByURI(TemplateURI(id))
}

// Meta is the display-hint bundle attached to widget resources and to the
// tools that render them.
func (w Widget) Meta() map[string]any {
	meta := map[string]any{
		"openai/outputTemplate":          w.TemplateURI,
		"openai/toolInvocation/invoking": w.Invoking,
		"openai/toolInvocation/invoked":  w.Invoked,
		"openai/widgetAccessible":        true,
		"openai/widgetPrefersBorder":     w.PrefersBorder,
		"openai/widgetDescription":       w.Description,
	}
	if w.CSP != nil {
		meta["openai/widgetCSP"] = w.CSP
	}
	return meta
}

// Resources lists the widgets as MCP resources.
func (p *Provider) Resources() []mcp.Resource {
	ws := p.All()
	out := make([]mcp.Resource, 0, len(ws))
	for _, w := range ws {
		out = append(out, mcp.Resource{
			URI:         w.TemplateURI,
			Name:        w.Title,
			Description: w.Title + " widget markup",
			MimeType:    MimeType,
			Meta:        w.Meta(),
		})
	}
	return out
}

// ResourceTemplates lists the widgets as MCP resource templates.
func (p *Provider) ResourceTemplates() []mcp.ResourceTemplate {
	ws := p.All()
	out := make([]mcp.ResourceTemplate, 0, len(ws))
	for _, w := range ws {
		out = append(out, mcp.ResourceTemplate{
			URITemplate: w.TemplateURI,
			Name:        w.Title,
			Description: w.Title + " widget markup",
			MimeType:    MimeType,
			Meta:        w.Meta(),
		})
	}
	return out
}

// Watch reloads markup whenever files in the assets dir change. It blocks
// until ctx is done.
func (p *Provider) Watch(ctx context.Context) error {
	if p.assetsDir == "" {
		return errors.New("widgets: no assets dir configured")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("widgets: fsnotify unavailable: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(p.assetsDir); err != nil {
		return fmt.Errorf("widgets: watch %s: %w", p.assetsDir, err)
	}
	p.log.InfoContext(ctx, "widgets.watch.start", slog.String("dir", p.assetsDir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".html") {
				continue
			}
			p.Reload()
			p.log.InfoContext(ctx, "widgets.reload", slog.String("file", filepath.Base(ev.Name)))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.WarnContext(ctx, "widgets.watch.error", slog.String("err", err.Error()))
		}
	}
}
