package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"folio/api/internal/app"
	"folio/api/internal/auth"
	"folio/api/internal/collab"
	"folio/api/internal/config"
	"folio/api/internal/directory"
	"folio/api/internal/gitrepo"
	"folio/api/internal/logger"
	"folio/api/internal/search"
	"folio/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	var (
		dataStore store.Store
		fallback  search.Searcher
	)
	if cfg.UseMemoryStore() {
		log.Warn("using in-memory store; data is lost on restart")
		mem := store.NewMemoryStore()
		dataStore = mem
		fallback = search.NewScanSearcher(mem)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		dataStore = store.NewPostgresStore(db)
		fallback = search.NewPgSearch(db)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meiliClient, fallback, log)
	defer searchService.Close()
	go searchService.Reindex(ctx)

	deps := app.Deps{
		Store:               dataStore,
		Collab:              collab.NewHTTPClient(cfg.CollabBaseURL, cfg.CollabSecretKey, cfg.CollabTimeout),
		Search:              searchService,
		DeleteRequiresOwner: cfg.DeleteRequiresOwner,
		Log:                 log,
	}
	if strings.TrimSpace(cfg.CollabSecretKey) == "" {
		log.Warn("COLLAB_SECRET_KEY is empty; session authorization will be rejected upstream")
	}

	if dir := strings.TrimSpace(cfg.VersionsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create versions dir: %w", err)
		}
		deps.Archive = gitrepo.New(dir)
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		profiles, err := directory.NewRedisDirectory(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer profiles.Close()
		deps.Directory = profiles
		log.Info("organization directory enabled")
	}

	service := app.New(deps)
	httpServer := app.NewHTTPServer(service, auth.NewVerifier(cfg.IdentitySecret), cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("folio api listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreKind))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
