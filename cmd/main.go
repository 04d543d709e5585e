package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/pitwall/internal/adapters/http/api"
	"github.com/okian/pitwall/internal/adapters/http/swagger"
	"github.com/okian/pitwall/internal/adapters/identitystore"
	"github.com/okian/pitwall/internal/adapters/mq/kafka"
	"github.com/okian/pitwall/internal/adapters/postgres"
	"github.com/okian/pitwall/internal/adapters/registry"
	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/adapters/sessionstore"
	app "github.com/okian/pitwall/internal/app"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/leaderboard"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 10 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> .env -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// Use stderr for initialization errors since logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "pitwall stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc, cleanup, err := buildService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	go startServiceMetricsUpdater(ctx, svc)

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, svc,
			kafka.WithGroup(cfg.KafkaGroup),
			kafka.WithCreateTopic(cfg.KafkaCreateTopic),
			kafka.WithLogger(log.Named("kafka")),
		)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			consumer.Close()
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		// Stop consuming before the service drains its queue.
		defer consumer.Close()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(ctx, svc, cfg.CORSAllowedOrigins),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newHandler registers the API and docs routes behind CORS.
func newHandler(ctx context.Context, svc *app.Service, origins []string) http.Handler {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc).Register(ctx, mux)
	return api.CORS(origins, mux)
}

// buildService opens the configured backends and constructs the service.
// The returned cleanup closes whatever was opened.
func buildService(ctx context.Context, cfg *config.Config, log logger.Logger) (*app.Service, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, cleanup, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	opts := []app.Option{
		app.WithLogger(log.Named("service")),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithLocation(loc),
		app.WithPersistRetry(cfg.PersistMaxAttempts, cfg.PersistBackoffStep()),
		app.WithFuzzyMatching(cfg.FuzzyMinScore, cfg.FuzzyCandidateLimit),
		app.WithDifferResetInterval(cfg.DifferResetInterval),
		app.WithLeaderboardSize(cfg.LeaderboardSize),
		app.WithMaxRecordsLimit(cfg.MaxLeaderboardLimit),
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := openPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = db.Close() })
		opts = append(opts,
			app.WithSessionStore(sessionstore.NewPostgres(db)),
			app.WithIdentityStore(identitystore.NewPostgres(db)),
			app.WithRegistry(registry.NewPostgres(db)),
		)
	default:
		opts = append(opts,
			app.WithSessionStore(sessionstore.NewInMemory()),
			app.WithIdentityStore(identitystore.NewInMemory()),
			app.WithRegistry(registry.NewInMemory()),
		)
	}

	if cfg.LeaderboardBackend == config.BackendRedis {
		client, err := repository.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("open redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		opts = append(opts, app.WithLeaderboardStores(
			redisBoard(client, leaderboard.BoardDrivers, cfg.LeaderboardSize, log),
			redisBoard(client, leaderboard.BoardKarts, cfg.LeaderboardSize, log),
		))
	}

	log.Info(ctx, "backends selected",
		logger.String("store", cfg.StoreBackend),
		logger.String("leaderboard", cfg.LeaderboardBackend),
		logger.Bool("kafka", len(cfg.KafkaBrokers) > 0),
	)
	return app.New(opts...), cleanup, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return db, nil
}

func redisBoard(client *redis.Client, name string, capacity int, log logger.Logger) repository.Store {
	return repository.NewRedisStore(client,
		repository.WithName(name),
		repository.WithCapacity(capacity),
		repository.WithLogger(log.Named("records")),
	)
}

// startServiceMetricsUpdater periodically refreshes gauges derived from service stats.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(ctx, svc)
		}
	}
}

// updateServiceMetrics updates service-level metrics.
func updateServiceMetrics(ctx context.Context, svc *app.Service) {
	// GetStats already refreshes the queue gauge.
	stats := svc.GetStats(ctx)

	if workers, ok := stats["workers"].(int); ok {
		metrics.UpdateWorkerCount(workers)
	}
	if entries, ok := stats["differEntries"].(int64); ok {
		metrics.UpdateDifferStateEntries(int(entries))
	}
	if drivers, ok := stats["driverRecords"].(int); ok {
		metrics.UpdateLeaderboardSize(leaderboard.BoardDrivers, drivers)
	}
	if karts, ok := stats["kartRecords"].(int); ok {
		metrics.UpdateLeaderboardSize(leaderboard.BoardKarts, karts)
	}
}
