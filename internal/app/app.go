// Package app is the main orchestrator that ties the GradLink server
// components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gradlink-app/gradlink/internal/api"
	"github.com/gradlink-app/gradlink/internal/auth"
	"github.com/gradlink-app/gradlink/internal/chat"
	"github.com/gradlink-app/gradlink/internal/config"
	"github.com/gradlink-app/gradlink/internal/store"
)

// App is the GradLink server process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	registry     *chat.Registry
	chat         *chat.Router
	api          *api.Server
	logger       *slog.Logger
}

// New creates the server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates seed users for the builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	registry := chat.NewRegistry()
	chatRouter := chat.New(db, authProvider, registry, logger, chat.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Chat.MaxMessageBytes,
		SendBuffer:      cfg.Chat.SendBuffer,
		MaxConnsPerUser: cfg.Chat.MaxConnsPerUser,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, chatRouter, registry, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		registry:     registry,
		chat:         chatRouter,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if a.cfg.Storage.Retention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully", "live_connections", a.registry.NumConnections())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

func (a *App) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.store.PurgeOldMessages(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge: messages failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old messages", "count", n)
			}
			if n, err := a.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
