package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/locker"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
	sqlitestore "posledger/backend/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	log := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server error")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	app, err := buildApp(startCtx, cfg, log)
	cancel()
	if err != nil {
		return err
	}
	defer app.close(log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Address()).Info("POS ledger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type app struct {
	handler http.Handler
	closers []func() error
}

func (a *app) close(log logrus.FieldLogger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("close error")
		}
	}
}

// buildApp wires storage, redis, the service and the HTTP API from cfg.
func buildApp(ctx context.Context, cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{}

	repo, closeRepo, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if closeRepo != nil {
		a.closers = append(a.closers, closeRepo)
	}

	opts := service.Options{
		StockCacheTTL:     cfg.StockCacheTTL,
		RestockPolicy:     service.RestockPolicy(cfg.ReturnRestockPolicy),
		DefaultTaxPercent: cfg.TaxPercent(),
		Logger:            log,
	}

	client, stockCache, err := connectRedis(ctx, cfg, log)
	if err != nil {
		a.close(log)
		return nil, err
	}
	if client != nil {
		a.closers = append(a.closers, client.Close)
		opts.StockCache = stockCache
		log.Info("stock cache: redis")
		if cfg.LockBackend == config.LockRedis {
			opts.Locker = locker.NewRedis(client, cfg.LockTTL, 0, log.WithField("component", "locker"))
			log.Info("stock locks: redis")
		}
	}
	if opts.Locker == nil {
		log.Info("stock locks: local")
	}

	svc := service.New(repo, opts)
	api := httpapi.New(svc, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.RequestTimeout,
		Logger:             log,
	})
	a.handler = api.Handler()
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (store.Repository, func() error, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and STORE_BACKEND=postgres: %w", err)
		}
		if err := pgstore.RunMigrations(ctx, pg.DB()); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		log.Info("repository: postgres")
		return pg, pg.Close, nil
	case config.StoreSQLite:
		db, err := sqlitestore.Open(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.WithField("path", cfg.SQLitePath).Info("repository: sqlite")
		return db, db.Close, nil
	default:
		log.WithField("seeded", cfg.SeedDemo).Info("repository: in-memory")
		if cfg.SeedDemo {
			return memory.NewSeeded(), nil, nil
		}
		return memory.New(), nil, nil
	}
}

// connectRedis returns nil when redis is not configured, or is unreachable
// and only the cache would have used it.
func connectRedis(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*redis.Client, *cache.RedisStockCache, error) {
	if cfg.RedisAddr == "" {
		log.Info("stock cache: noop")
		return nil, nil, nil
	}

	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	stockCache := cache.NewRedisStockCache(client)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := stockCache.Ping(pingCtx); err != nil {
		_ = client.Close()
		if cfg.LockBackend == config.LockRedis {
			return nil, nil, fmt.Errorf("redis unavailable and LOCK_BACKEND=redis: %w", err)
		}
		log.WithError(err).Warn("redis unavailable, using noop stock cache")
		return nil, nil, nil
	}
	return client, stockCache, nil
}
