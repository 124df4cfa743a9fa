package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fjod/shopcart/internal/cache"
	"github.com/fjod/shopcart/internal/cart"
	"github.com/fjod/shopcart/internal/checkout"
	"github.com/fjod/shopcart/internal/config"
	"github.com/fjod/shopcart/internal/domain"
	h "github.com/fjod/shopcart/internal/http"
	"github.com/fjod/shopcart/internal/metrics"
	"github.com/fjod/shopcart/internal/publisher"
	"github.com/fjod/shopcart/internal/repository"
	"github.com/fjod/shopcart/pkg/circuitbreaker"
	"github.com/fjod/shopcart/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Service: "shopcart",
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
	})
	log.Info("shopcart starting", "db_driver", cfg.DBDriver)

	if err := run(cfg, log); err != nil {
		log.Error("shopcart stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("shopcart stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	cartCache, closeCache := newCartCache(ctx, cfg, log)
	defer closeCache()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	carts := cart.NewService(store, cartCache, log)
	checkoutSvc := checkout.NewService(store, carts, m, log, checkout.Config{
		MaxAttempts: cfg.CheckoutMaxAttempts,
		BaseBackoff: cfg.CheckoutBaseBackoff,
		MaxBackoff:  cfg.CheckoutMaxBackoff,
	})

	var wg sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("kafka"), log)
		relay := publisher.NewOutboxRelay(store.Queries(),
			publisher.NewKafkaWriter(cfg.KafkaTopic, cfg.KafkaBrokers...), breaker, m, log, cfg.OutboxTick)
		defer relay.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
		log.Info("outbox relay started", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		log.Warn("KAFKA_BROKERS not set, outbox relay disabled")
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: h.NewRouter(h.RouterConfig{
			Carts:              carts,
			Checkout:           checkoutSvc,
			Orders:             store.Queries(),
			Products:           store.Queries(),
			Gatherer:           reg,
			AllowedOrigins:     cfg.AllowedOrigins,
			RequestTimeout:     cfg.RequestTimeout,
			MaxRequestBodySize: cfg.MaxRequestBodySize,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	wg.Wait()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		store := repository.NewMemoryStore()
		if err := seedDemoCatalog(ctx, store); err != nil {
			return nil, err
		}
		log.Warn("using in-memory store, data is lost on restart")
		return store, nil

	case config.DriverSQLite:
		store, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(cfg.MigrationsPath); err != nil {
			store.Close()
			return nil, err
		}
		log.Info("database migrations completed", "path", cfg.SQLitePath)
		return store, nil

	default:
		creds := &repository.Credentials{
			Driver:            cfg.DBDriver,
			Host:              cfg.DBHost,
			Port:              cfg.DBPort,
			User:              cfg.DBUser,
			Password:          cfg.DBPassword,
			DBName:            cfg.DBName,
			MigrationsDirPath: cfg.MigrationsPath,
		}
		store, err := repository.NewPostgresStore(creds)
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(creds.MigrationsDirPath); err != nil {
			store.Close()
			return nil, err
		}
		log.Info("database migrations completed", "host", cfg.DBHost, "db", cfg.DBName)
		return store, nil
	}
}

// newCartCache falls back to NoopCache when Redis is not configured or not
// reachable at startup.
func newCartCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (cache.CartCache, func()) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, cart cache disabled")
		return cache.NoopCache{}, func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, cart cache disabled", "addr", cfg.RedisAddr, "error", err)
		client.Close()
		return cache.NoopCache{}, func() {}
	}

	log.Info("connected to redis", "addr", cfg.RedisAddr)
	return cache.NewRedisCache(client), func() { client.Close() }
}

func seedDemoCatalog(ctx context.Context, store repository.Store) error {
	q := store.Queries()
	for _, p := range []domain.Product{
		{ID: 1, Name: "Mechanical keyboard", Price: decimal.RequireFromString("100.00"), Stock: 10},
		{ID: 2, Name: "Wireless mouse", Price: decimal.RequireFromString("50.00"), Stock: 5},
		{ID: 3, Name: "USB-C cable", Price: decimal.RequireFromString("9.99"), Stock: 100},
	} {
		if err := q.SaveProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
