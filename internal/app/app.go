package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/auth"
	"github.com/MrSnakeDoc/shelf/internal/config"
	"github.com/MrSnakeDoc/shelf/internal/httpserver"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/scheduler"
	"github.com/MrSnakeDoc/shelf/internal/session"
	"github.com/MrSnakeDoc/shelf/internal/version"
)

type App struct {
	cfg      *config.Config
	logger   logger.Logger
	server   *httpserver.Server
	backend  *backend
	sessions *session.Manager
	resyncer *scheduler.Resyncer
	reaper   *scheduler.Reaper
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		loggerClient.Errorf("Invalid session token settings: %v", err)
		os.Exit(1)
	}

	be, err := openBackend(context.Background(), cfg, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to open %s backend: %v", cfg.Backend, err)
		os.Exit(1)
	}

	// One reconciled view per signed-in user, all sharing the backend and its feed
	sessions := session.NewManager(be.store, be.feed, session.Policies{
		Delete:            cfg.DeletePolicy,
		Insert:            cfg.InsertPolicy,
		TombstoneTTL:      cfg.TombstoneTTL,
		LoadRetryInterval: cfg.LoadRetry,
	}, loggerClient)
	loggerClient.Info("session manager initialized",
		logger.String("delete_policy", cfg.DeletePolicy.String()),
		logger.String("insert_policy", cfg.InsertPolicy.String()),
		logger.Duration("tombstone_ttl", cfg.TombstoneTTL))

	// Create manual resync trigger channel
	resyncTrigger := make(chan struct{}, 1)

	resyncer := scheduler.NewResyncer(sessions, loggerClient, cfg.ResyncInterval, resyncTrigger)
	reaper := scheduler.NewReaper(sessions, loggerClient, cfg.ReapInterval, cfg.SessionIdleTTL)

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:         loggerClient,
		StartTime:      time.Now(),
		Version:        version.Version,
		Commit:         version.Commit,
		BuildDate:      version.BuildDate,
		GoVersion:      version.GoVersion,
		TimeNow:        time.Now,
		AllowedHosts:   cfg.AllowedHosts,
		AllowedCIDRS:   cfg.AllowedCIDRS,
		TrustProxy:     cfg.TrustProxy,
		RequestTimeout: cfg.RequestTimeout,
		Sessions:       sessions,
		Verifier:       verifier,
		Backend:        be.store,
		BackendName:    be.name,
		LoginURL:       cfg.LoginURL,
		WriteBurst:     cfg.WriteBurst,
		WriteRefill:    cfg.WriteRefillMin,
		ResyncTrigger:  resyncTrigger,
	}

	server := httpserver.New(cfg, loggerClient, d)

	return &App{
		cfg:      cfg,
		logger:   loggerClient,
		server:   server,
		backend:  be,
		sessions: sessions,
		resyncer: resyncer,
		reaper:   reaper,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting Shelf v%s on %s (backend=%s)", version.Version, a.cfg.ListenPort, a.backend.name)
	a.logger.Info(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start resyncer (recovers views that missed notifications)
	if err := a.resyncer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start resyncer: %w", err)
	}
	a.logger.Info("resyncer started",
		logger.Duration("interval", a.cfg.ResyncInterval))

	// Start idle session reaper
	if err := a.reaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	a.logger.Info("reaper started",
		logger.Duration("interval", a.cfg.ReapInterval),
		logger.Duration("idle_ttl", a.cfg.SessionIdleTTL))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	a.resyncer.Stop()
	a.reaper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop server: %w", err)
	}

	// Sessions hold feed subscriptions on the backend: close them first
	n := a.sessions.Count()
	a.sessions.CloseAll()
	a.logger.Info("sessions closed", logger.Int("count", n))

	a.backend.Close(a.logger)

	if runErr != nil {
		return runErr
	}
	a.logger.Info("✅ Shelf stopped cleanly")
	return nil
}
