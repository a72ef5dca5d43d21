package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/membergate/membergate/internal/app/migrate"
	httpx "github.com/membergate/membergate/internal/http"
	"github.com/membergate/membergate/internal/repository/postgres"
	"github.com/membergate/membergate/internal/service/auth"
	"github.com/membergate/membergate/internal/session"
	"github.com/membergate/membergate/internal/web"
	"github.com/membergate/membergate/pkg/config"
	"github.com/membergate/membergate/pkg/logger"
)

func main() {
	cfg := config.LoadAppConfig()
	log := logger.New("membergate", logger.ParseLevel(cfg.LogLevel))

	if cfg.SessionSecret == "" {
		log.Error("SESSION_SECRET must be configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("session store ping failed", "error", err)
		os.Exit(1)
	}

	sessions, err := session.NewStore(rdb, cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		log.Error("failed to configure session store", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	authSvc := auth.New(repo, sessions, log, cfg.HashCost)

	pages, err := web.NewPages()
	if err != nil {
		log.Error("failed to parse templates", "error", err)
		os.Exit(1)
	}
	assets, err := web.Static()
	if err != nil {
		log.Error("failed to load static assets", "error", err)
		os.Exit(1)
	}

	var limiter httpx.RateLimiter
	if cfg.RateLimitOn {
		redisLimiter, err := httpx.NewRedisRateLimiter(rdb, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory fallback", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	sessionHealth := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	router := httpx.NewRouter(log, authSvc, pages, assets, limiter, cfg.RateLimitOn, pool.Ping, sessionHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
