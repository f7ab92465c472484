// matrix-web - single-account Matrix room to web bridge
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/matrix-web/internal/bot"
	"github.com/ashureev/matrix-web/internal/config"
	"github.com/ashureev/matrix-web/internal/matrix"
	"github.com/ashureev/matrix-web/internal/middleware"
	"github.com/ashureev/matrix-web/internal/vault"
	apiweb "github.com/ashureev/matrix-web/internal/web"
	"github.com/ashureev/matrix-web/web"
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

	slog.Info("Starting server", "addr", cfg.Addr(), "homeserver", cfg.Homeserver, "room_id", cfg.RoomID)

	// Initialize dependencies.
	credentials, err := vault.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to open credential vault", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := credentials.Close(); closeErr != nil {
			slog.Error("Failed to close credential vault", "error", closeErr)
		}
	}()

	if err := credentials.Ping(context.Background()); err != nil {
		slog.Error("Credential vault health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Credential vault ready", "path", cfg.Database.Path)

	dialer := &matrix.Dialer{
		Homeserver: cfg.Homeserver,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     logger,
	}

	b := bot.New(bot.Config{
		Vault:        credentials,
		Opener:       dialer,
		Username:     cfg.Username,
		RoomID:       cfg.RoomID,
		HistoryLimit: cfg.MessageHistory.Limit,
		StorePath:    cfg.Store.Path,
		Logger:       logger,
	})

	apiHandler := apiweb.NewHandler(b, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	var corsHeaders []string
	if cfg.Web.Auth != nil {
		corsHeaders = append(corsHeaders, cfg.Web.Auth.HeaderName)
	}
	r.Use(middleware.CORS([]string{"*"}, corsHeaders))
	if cfg.Web.Auth != nil {
		r.Use(middleware.HeaderAuth(cfg.Web.Auth.HeaderName, cfg.Web.Auth.HeaderValueHash))
		slog.Info("Header auth enabled", "header", cfg.Web.Auth.HeaderName)
	}

	apiHandler.RegisterRoutes(r)

	// Serve embedded frontend.
	r.Handle("/*", web.Handler())

	// Note: the websocket message stream needs long-lived responses, so the
	// server runs without a write timeout.
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := b.Disconnect(shutdownCtx); err != nil {
		slog.Error("Failed to disconnect bot during shutdown", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
