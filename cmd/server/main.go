package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clearex/settlement-engine/internal/api"
	"github.com/clearex/settlement-engine/internal/lockring"
	"github.com/clearex/settlement-engine/internal/metrics"
	"github.com/clearex/settlement-engine/internal/model"
	"github.com/clearex/settlement-engine/internal/settle"
	"github.com/clearex/settlement-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize stores ---
	// st backs settlement: the processor reads it only under the lock
	// coordinator, so it must never sit behind a cache. queryStore backs the
	// HTTP query surface and may add the Redis read-through layer.
	var st store.Store
	var queryStore store.Store
	var cached *store.CachedStore
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		queryStore = st
		slog.Info("connected to PostgreSQL")

		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cached = store.NewCachedStore(st, rdb, 30*time.Second, logger)
			queryStore = cached
			slog.Info("Redis query cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		queryStore = st
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Settlement processor and worker pool ---
	// Settlement commits bypass the cache wrapper, so committed trades
	// invalidate the parties' cached snapshots here before fanning out.
	onSettled := wsHub.BroadcastTrade
	if cached != nil {
		onSettled = func(t model.Trade) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			cached.InvalidateUser(ctx, t.BuyerID)
			cached.InvalidateUser(ctx, t.SellerID)
			cancel()
			wsHub.BroadcastTrade(t)
		}
	}

	coordinator := lockring.New(lockring.DefaultAcquireTimeout)
	processor := settle.NewProcessor(st, coordinator, logger,
		settle.WithOnSettled(onSettled))
	pool := settle.NewPool(processor, logger, settle.PoolConfig{
		Workers:    envInt("SETTLE_WORKERS", 0),
		QueueDepth: envInt("SETTLE_QUEUE_DEPTH", 0),
	})

	// --- Query API ---
	apiSvc := api.NewService(queryStore, processor, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settled-trade broadcasts.
		r.Get("/ws", wsHub.HandleWS)

		apiSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop intake, drain the settlement queue, then
	// stop the HTTP server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down settlement-engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := pool.Shutdown(ctx); err != nil {
		slog.Error("pool shutdown error", "err", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

// envInt reads an integer environment variable, falling back on absence or
// parse failure.
func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "name", name, "value", v)
		return fallback
	}
	return n
}
