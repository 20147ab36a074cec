package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/optn/house-engine/internal/archive"
	"github.com/optn/house-engine/internal/auth"
	"github.com/optn/house-engine/internal/config"
	"github.com/optn/house-engine/internal/lock"
	"github.com/optn/house-engine/internal/metrics"
	"github.com/optn/house-engine/internal/notify"
	"github.com/optn/house-engine/internal/oracle"
	"github.com/optn/house-engine/internal/store"
	"github.com/optn/house-engine/internal/sweeper"
	"github.com/optn/house-engine/internal/wager"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("house-engine stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("house-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("connected to Redis")
	}

	// --- Store ---
	var st store.Store
	if cfg.Database.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis read cache enabled")
		}
	} else {
		logger.Warn("database dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- House lock ---
	var locker lock.Locker = lock.NewLocal()
	if rdb != nil {
		locker = lock.NewRedis(rdb, cfg.Redis.LockTTL.Duration)
	}

	// --- Price sources ---
	oracles := oracle.NewRegistry()
	var hermes oracle.Client = oracle.NewHermesClient(cfg.Oracle.HermesURL)
	if rdb != nil {
		hermes = oracle.NewCachedClient(hermes, rdb, cfg.Oracle.PriceCacheTTL.Duration)
	}
	if err := oracles.Register("hermes", hermes); err != nil {
		return err
	}
	if _, err := oracles.Get(cfg.Oracle.DefaultSource); err != nil {
		return err
	}

	// --- Notifications ---
	hub := wager.NewWSHub(logger)
	sinks := []notify.Sink{hub}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisBus(rdb, cfg.Notify.RedisChannel, cfg.Notify.RedisStream))
	}
	if cfg.Notify.JournalPath != "" {
		journal, err := notify.OpenJournal(cfg.Notify.JournalPath)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { journal.Close() })
		sinks = append(sinks, journal)
	}

	// --- Archive ---
	var arch archive.Archiver
	if cfg.Archive.Bucket != "" {
		s3a, err := archive.NewS3(ctx, archive.S3Config{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		if err := s3a.Health(ctx); err != nil {
			logger.Warn("archive bucket unreachable", "bucket", cfg.Archive.Bucket, "err", err)
		}
		arch = s3a
	}

	// --- Engine ---
	svc := wager.NewService(st, oracles, locker, notify.NewFanout(sinks, logger), arch, wager.Options{
		MaxPriceAge:   cfg.PriceMaxAge(),
		DefaultSource: cfg.Oracle.DefaultSource,
	}, logger)

	sw, err := sweeper.New(st, oracles, svc, sweeper.Config{
		Operator:  cfg.Operator(),
		Schedule:  cfg.Settlement.Schedule,
		BatchSize: cfg.Settlement.BatchSize,
	}, logger)
	if errors.Is(err, sweeper.ErrDisabled) {
		logger.Info("settlement sweeper disabled, no admin address configured")
	} else if err != nil {
		return err
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"house-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	handler := wager.NewHandler(svc, hub, cfg.Devnet)
	verifier := auth.NewVerifier(cfg.Auth.MaxSkew.Duration)
	if rdb != nil {
		verifier.WithReplayGuard(auth.NewRedisReplayGuard(rdb))
	}
	r.Route("/api/v1", func(r chi.Router) {
		handler.Routes(r, verifier)
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	if sw != nil {
		g.Go(func() error {
			return sw.Run(ctx)
		})
	}
	g.Go(func() error {
		logger.Info("house-engine listening", "port", cfg.Server.Port, "devnet", cfg.Devnet)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down house-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	headers := strings.Join([]string{"Content-Type", auth.HeaderAddress, auth.HeaderTimestamp, auth.HeaderSignature}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
