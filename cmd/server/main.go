// statboard - interactive player stats panel server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"statboard/internal/api"
	"statboard/internal/config"
	"statboard/internal/identity"
	"statboard/internal/middleware"
	"statboard/internal/session"
	"statboard/internal/store"
	"statboard/internal/transport"
	"statboard/internal/upstream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	fetcher, err := upstream.NewClient(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		RequestTimeout: cfg.Upstream.Timeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize stats provider client", "error", err)
		os.Exit(1)
	}
	slog.Info("Stats provider client ready", "base_url", cfg.Upstream.BaseURL)

	// Initialize transports.
	feed := transport.NewFeed()
	hub := transport.NewHub()
	publisher := transport.NewPublisher(feed, hub)

	// Initialize the session dispatcher.
	dispatcher := session.NewDispatcher(session.Deps{
		Fetcher:     fetcher,
		Repo:        repo,
		Transport:   publisher,
		TTL:         cfg.PanelTTL,
		SnapshotTTL: cfg.SnapshotTTL,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, dispatcher, feed)
	panelHandler := api.NewPanelHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := transport.NewWSHandler(hub, dispatcher, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Panel routes with viewer identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		panelHandler.RegisterRoutes(r)
		r.Get("/ws/panel", wsHandler.ServeHTTP)
	})

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.StartSweeper(ctx, cfg.SweepInterval)
	slog.Info("Session sweeper started", "panel_ttl", cfg.PanelTTL, "interval", cfg.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := feed.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down event feed", "error", err)
	}

	slog.Info("Server stopped successfully")
}
