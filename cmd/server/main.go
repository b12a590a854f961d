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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/rewardgame/ledger-engine/internal/account"
	"github.com/rewardgame/ledger-engine/internal/config"
	"github.com/rewardgame/ledger-engine/internal/engine"
	"github.com/rewardgame/ledger-engine/internal/metrics"
	"github.com/rewardgame/ledger-engine/internal/model"
	"github.com/rewardgame/ledger-engine/internal/oracle"
	"github.com/rewardgame/ledger-engine/internal/pubsub"
	"github.com/rewardgame/ledger-engine/internal/store"
	"github.com/rewardgame/ledger-engine/internal/trade"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.PebblePath != "":
		pb, err := store.NewPebbleStore(cfg.PebblePath)
		if err != nil {
			slog.Error("pebble open failed", "path", cfg.PebblePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { pb.Close() })
		st = pb
		slog.Info("opened Pebble store", "path", cfg.PebblePath)
	default:
		slog.Warn("DATABASE_URL and PEBBLE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event bus, optionally fanned out through Redis ---
	bus := pubsub.NewBus(pubsub.DefaultBuffer)
	var pub pubsub.Publisher = bus

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		if _, ok := st.(*store.MemoryStore); !ok && cfg.CacheTTL > 0 {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}

		relay := pubsub.NewRedisRelay(rdb, bus)
		pub = relay
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("event relay stopped", "err", err)
			}
		}()
		slog.Info("Redis event relay enabled")
	}

	// --- Price oracle ---
	var orc oracle.Oracle
	if cfg.OracleStaticPrice.IsPositive() {
		orc = oracle.NewStatic(cfg.OracleStaticPrice)
		slog.Warn("using static mark price", "price", cfg.OracleStaticPrice.String())
	} else {
		poller := oracle.NewPoller(oracle.PollerConfig{
			URL:          cfg.OracleURL,
			PollInterval: cfg.OraclePollInterval,
			MaxStaleness: cfg.OracleMaxStaleness,
		}, func(q model.Quote) {
			ev, err := pubsub.NewEvent(pubsub.KeyPrice, pubsub.TypePrice, q)
			if err == nil {
				err = pub.Publish(ctx, ev)
			}
			if err != nil {
				slog.Warn("price publish failed", "err", err)
			}
		})
		poller.Start(ctx)
		cleanup = append(cleanup, poller.Stop)
		orc = poller
	}

	// --- Engine ---
	eng, err := engine.New(st, orc, pub, engine.Config{
		FeeRate:         cfg.FeeRate,
		AllowedLeverage: cfg.AllowedLeverage,
		MaxDeviation:    cfg.MaxPriceDeviation,
	})
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	if cfg.LiquidationInterval > 0 {
		go engine.NewSweeper(eng, cfg.LiquidationInterval).Run(ctx)
	}

	registry := account.NewRegistry(st, cfg.InitialBalance)
	tradeSvc := trade.NewService(eng, registry)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(bus)
	cleanup = append(cleanup, wsHub.Close)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Accounts.
			r.Post("/users", tradeSvc.RegisterUser)
			r.Get("/users/{userID}", tradeSvc.GetUser)
			r.Get("/users/{userID}/orders", tradeSvc.GetUserOrders)

			// Positions.
			r.Post("/orders/open", tradeSvc.OpenPosition)
			r.Post("/orders/close", tradeSvc.ClosePosition)

			// Read views.
			r.Get("/leaderboard", tradeSvc.GetLeaderboard)
			r.Get("/stats", tradeSvc.GetGlobalStats)
			r.Get("/price", tradeSvc.GetPrice)
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
