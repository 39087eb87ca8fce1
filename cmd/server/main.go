package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prudhvinik1/tenantsync/internal/broadcast"
	"github.com/prudhvinik1/tenantsync/internal/config"
	"github.com/prudhvinik1/tenantsync/internal/database"
	"github.com/prudhvinik1/tenantsync/internal/handlers"
	"github.com/prudhvinik1/tenantsync/internal/logging"
	"github.com/prudhvinik1/tenantsync/internal/repositories"
	"github.com/prudhvinik1/tenantsync/internal/services"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat))

	// Process-wide broker connection, shared by every session
	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	retention := repositories.ReplayRetention{
		MaxAge:     cfg.ReplayRetention,
		MaxEntries: cfg.ReplayMaxEntries,
	}

	var store repositories.ReplayStore
	switch cfg.ReplayBackend {
	case config.ReplayBackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		pgStore := repositories.NewPostgresReplayStore(pool, retention)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return err
		}
		store = pgStore
	default:
		store = repositories.NewRedisReplayStore(redisClient, retention)
	}

	channel := broadcast.NewRedisChannel(redisClient, cfg.SyncBufferSize)
	presence := repositories.NewRedisPresenceRepository(redisClient, cfg.PresenceTTL)
	syncService := services.NewSyncService(store, channel, presence, services.SyncOptions{
		DedupWindow: cfg.SyncDedupWindow,
		MaxPending:  cfg.SyncMaxPending,
	})
	tokens := services.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry)

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", handlers.Health(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))
	handlers.NewSyncHandler(syncService, tokens, cfg.SyncHeartbeat).Routes(router)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:     router,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting server", slog.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// graceful shutdown
		<-gctx.Done()
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped gracefully")
	return nil
}
