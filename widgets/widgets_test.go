package widgets_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mealmate/mealmate-mcp/widgets"
)

func TestProviderPlaceholders(t *testing.T) {
	p := widgets.NewProvider(widgets.WithBaseURL("https://mealmate.example"))

	all := p.All()
	if len(all) != 6 {
		t.Fatalf("want 6 widgets got %d", len(all))
	}
	w, ok := p.ByID("mealmate-recipe-detail")
	if !ok {
		t.Fatal("recipe detail widget missing")
	}
	if w.TemplateURI != "ui://widget/mealmate-recipe-detail.html" {
		t.Fatalf("unexpected uri %s", w.TemplateURI)
	}
	if !strings.Contains(w.HTML, "Build required") {
		t.Fatalf("want placeholder markup, got %q", w.HTML)
	}

	meta := w.Meta()
	if meta["openai/outputTemplate"] != w.TemplateURI || meta["openai/widgetAccessible"] != true {
		t.Fatalf("unexpected meta: %v", meta)
	}
	csp, _ := meta["openai/widgetCSP"].(*widgets.CSP)
	if csp == nil || len(csp.ConnectDomains) != 1 || csp.ConnectDomains[0] != "https://mealmate.example" {
		t.Fatalf("unexpected csp: %#v", meta["openai/widgetCSP"])
	}

	res := p.Resources()
	if res[0].MimeType != widgets.MimeType || res[0].Description != "MealMate Dashboard widget markup" {
		t.Fatalf("unexpected resource: %+v", res[0])
	}
	if len(p.ResourceTemplates()) != 6 {
		t.Fatal("want one template per widget")
	}
	if _, ok := p.ByURI("ui://widget/nope.html"); ok {
		t.Fatal("unknown uri should miss")
	}
}

func TestProviderAssetSelection(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("mealmate-dashboard.html", "direct")
	write("mealmate-recipes-aaa.html", "old")
	write("mealmate-recipes-bbb.html", "new")

	p := widgets.NewProvider(widgets.WithAssetsDir(dir))

	if w, _ := p.ByID("mealmate-dashboard"); w.HTML != "direct" {
		t.Fatalf("want direct file, got %q", w.HTML)
	}
	if w, _ := p.ByID("mealmate-recipes"); w.HTML != "new" {
		t.Fatalf("want latest versioned file, got %q", w.HTML)
	}
	if w, _ := p.ByID("mealmate-settings"); !strings.Contains(w.HTML, "not found") {
		t.Fatalf("want not-found placeholder, got %q", w.HTML)
	}
}

func TestProviderWatchReloads(t *testing.T) {
	dir := t.TempDir()
	p := widgets.NewProvider(widgets.WithAssetsDir(dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		// Rewrite until the watcher has been registered and picked it up.
		_ = os.WriteFile(filepath.Join(dir, "mealmate-settings.html"), []byte("fresh"), 0o644)
		if w, _ := p.ByID("mealmate-settings"); w.HTML == "fresh" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("widget markup was not reloaded")
}
