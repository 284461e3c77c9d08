package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/markschecker/internal/browser"
	"github.com/maltedev/markschecker/internal/checker"
	"github.com/maltedev/markschecker/internal/config"
	"github.com/maltedev/markschecker/internal/database"
	"github.com/maltedev/markschecker/internal/events"
	"github.com/maltedev/markschecker/internal/logging"
	"github.com/maltedev/markschecker/internal/ratelimit"
	"github.com/maltedev/markschecker/internal/session"
	"github.com/maltedev/markschecker/internal/store"
	"github.com/maltedev/markschecker/internal/upstream"
)

// app holds the wired pipeline shared by serve and check.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *session.Manager
	db      *database.DB
	relay   *database.Relay
	closers []func() error
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	client := upstream.NewHTTPClient(upstream.Options{
		Timeout:   cfg.Checker.RequestTimeout,
		UserAgent: cfg.Storefront.UserAgent,
		Limiter:   ratelimit.New(cfg.Checker.MinDelay, cfg.Checker.MaxDelay),
	}, logger)

	var pages upstream.Fetcher = client
	if cfg.Browser.Enabled {
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Browser.Headless
		opts.Timeout = cfg.Browser.Timeout
		opts.Locale = cfg.Browser.Locale
		opts.UserAgent = cfg.Storefront.UserAgent

		b, err := browser.New(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize browser: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		pages = b
	}

	policy := checker.DefaultFallbackPolicy()
	policy.OnNotFound = cfg.Checker.VerifyNotFound

	base := cfg.Storefront.BaseURL
	fetcher := checker.NewProductFetcher([]checker.Strategy{
		checker.NewAPIStrategy(client, base),
		checker.NewPageStrategy(pages, base),
	}, policy, logger)

	executor := checker.NewChunkExecutor(fetcher, checker.ExecutorConfig{
		MaxWorkers:  cfg.Checker.MaxWorkers,
		TermTimeout: cfg.Checker.RequestTimeout,
	}, logger)

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := a.openEvents(ctx)
	if err != nil {
		return nil, err
	}

	a.manager = session.NewManager(st,
		checker.NewRegionResolver(client, base, logger),
		executor,
		publisher,
		session.Config{
			ChunkSize:      cfg.Checker.ChunkSize,
			RequestTimeout: cfg.Checker.RequestTimeout,
			ChunkTimeout:   cfg.Checker.ChunkTimeout,
		},
		logger)

	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		db, err := connectDB(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, func() error { db.Close(); return nil })

		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return store.NewPostgres(db), nil

	default:
		if a.cfg.Store.DataFile == "" {
			return store.NewMemory(), nil
		}
		mem, err := store.NewFileMemory(a.cfg.Store.DataFile)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, mem.Close)
		return mem, nil
	}
}

// openEvents goes through the outbox and Redis when both are configured.
// Otherwise events are only logged.
func (a *app) openEvents(ctx context.Context) (events.Publisher, error) {
	if a.db == nil || a.cfg.Redis.Addr == "" {
		return events.NewLogPublisher(nil, a.logger), nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, redisClient.Close)

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	outbox := database.NewOutboxRepository(a.db)
	a.relay = database.NewRelay(outbox, redisClient, a.logger, database.RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		StreamMaxLen: a.cfg.Redis.MaxLen,
	})

	return events.NewLogPublisher(events.NewOutboxPublisher(outbox, a.cfg.Redis.Stream, a.logger), a.logger), nil
}

// startRelay runs the outbox relay until ctx ends.
func (a *app) startRelay(ctx context.Context) {
	if a.relay == nil {
		return
	}
	go func() {
		if err := a.relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("relay stopped with error", "error", err)
		}
	}()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
