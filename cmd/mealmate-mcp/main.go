// Command mealmate-mcp serves the MealMate MCP server over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mealmate "github.com/mealmate/mealmate-mcp"
	"github.com/mealmate/mealmate-mcp/auth"
	"github.com/mealmate/mealmate-mcp/catalog"
	"github.com/mealmate/mealmate-mcp/internal/config"
	"github.com/mealmate/mealmate-mcp/internal/logctx"
	"github.com/mealmate/mealmate-mcp/kitchen"
	"github.com/mealmate/mealmate-mcp/mcpservice"
	"github.com/mealmate/mealmate-mcp/sessions"
	"github.com/mealmate/mealmate-mcp/storage"
	"github.com/mealmate/mealmate-mcp/storage/memory"
	"github.com/mealmate/mealmate-mcp/storage/redis"
	"github.com/mealmate/mealmate-mcp/widgets"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mealmate-mcp:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	log := logctx.New(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	provider := widgets.NewProvider(
		widgets.WithAssetsDir(cfg.WidgetAssetsDir),
		widgets.WithBaseURL(cfg.BaseURL),
		widgets.WithLogger(log),
	)
	if cfg.WidgetAssetsDir != "" && cfg.WidgetWatch {
		go func() {
			if err := provider.Watch(ctx); err != nil {
				log.Warn("widgets.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	cat := catalog.New(kitchen.New(store, kitchen.WithLogger(log)), provider, catalog.WithLogger(log))
	factory := mcpservice.NewFactory(cat,
		mcpservice.WithLogger(log),
		mcpservice.WithOnClose(func(userID string) {
			log.Debug("mcp.server.closed", slog.String("user_id", userID))
		}),
	)
	registry := sessions.NewRegistry(sessions.WithRegistryLogger(log))

	routerOpts := []mealmate.Option{
		mealmate.WithLogger(log),
		mealmate.WithBaseURL(cfg.BaseURL),
		mealmate.WithLegacySSE(cfg.LegacySSE),
		mealmate.WithKeepAlive(cfg.KeepAlive),
	}
	if cfg.AuthIssuer != "" {
		authn, err := auth.NewJWT(ctx, auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.Audience(),
			JWKSURL:  cfg.AuthJWKSURL,
		})
		if err != nil {
			return fmt.Errorf("configure jwt auth: %w", err)
		}
		routerOpts = append(routerOpts,
			mealmate.WithAuthenticator(authn),
			mealmate.WithAuthorizationServers(authn.Issuer()),
		)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mealmate.NewRouter(registry, factory, routerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", srv.Addr), slog.Bool("legacy_sse", cfg.LegacySSE), slog.String("store", cfg.StoreBackend))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Open streams only end once their sessions close, so close sessions
	// while the listener drains.
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- srv.Shutdown(shutdownCtx) }()
	if err := registry.CloseAll(shutdownCtx); err != nil {
		log.Warn("sessions.close_all.fail", slog.String("err", err.Error()))
	}
	if err := <-shutdownErr; err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("http.shutdown.ok")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		s, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}
