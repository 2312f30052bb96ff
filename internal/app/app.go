// Package app wires configuration into the listing store, the stage tracker
// and their collaborators. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/listing-tracker/internal/config"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/metrics"
	"github.com/listing-tracker/internal/pipeline"
	"github.com/listing-tracker/internal/pricing"
	"github.com/listing-tracker/internal/publish"
	"github.com/listing-tracker/internal/ratelimit"
	"github.com/listing-tracker/internal/service"
	"github.com/listing-tracker/internal/storage"
)

// App holds the wired services of one process
type App struct {
	Config    *config.Config
	Metrics   *metrics.Registry
	Repo      storage.ListingRepository
	Publisher *publish.MultiPublisher
	Store     *service.EventStore
	Ingest    *service.IngestService
	Tracker   *pipeline.Tracker
	Pricing   *pipeline.PricingStage

	closers []func() error
}

// New connects the configured backends and builds the services. On error
// every connection opened so far is closed again.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger := logging.GetGlobalLogger()
	a := &App{Config: cfg, Metrics: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var redisCache *storage.RedisCache
	needRedis := cfg.HasSink(config.SinkRedis) || cfg.Pricing.Budget.Total > 0 ||
		(cfg.Store.Backend == config.BackendPostgres && cfg.Cache.TTL > 0)
	if needRedis {
		redisCache, err = storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.closers = append(a.closers, redisCache.Close)
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })

		var repo storage.ListingRepository = storage.NewPostgresListingRepository(db)
		if cfg.Cache.TTL > 0 {
			repo = storage.NewCachedListingRepository(repo, redisCache.Client(), cfg.Cache.TTL, cfg.Cache.KeyPrefix)
		}
		a.Repo = repo
	default:
		a.Repo = storage.NewMemoryListingRepository(cfg.Store.LockStripes)
	}

	sinks, err := a.buildSinks(ctx, redisCache)
	if err != nil {
		return nil, err
	}
	a.Publisher = publish.NewMultiPublisher(sinks...).OnFailure(func(sink string, event publish.ListingEvent, err error) {
		a.Metrics.PublishFailures.WithLabelValues(sink).Inc()
	})

	a.Store = service.NewEventStore(a.Repo, a.Publisher, a.Metrics, cfg.Dedup.YearBand)
	a.Ingest = service.NewIngestService(a.Store, cfg.Ingest.Workers, a.Metrics)
	a.Tracker = pipeline.NewTracker(a.Repo, a.Publisher, a.Metrics)
	advisor := newAdvisor(cfg.Pricing)
	if cfg.Pricing.Budget.Total > 0 {
		advisor, err = budgeted(advisor, cfg.Pricing.Budget, redisCache)
		if err != nil {
			return nil, err
		}
	}
	a.Pricing = pipeline.NewPricingStage(a.Tracker, advisor, cfg.Pricing.FloorPrice)

	logger.WithFields(map[string]interface{}{
		"backend": cfg.Store.Backend,
		"sinks":   a.Publisher.Sinks(),
		"advisor": advisorName(cfg.Pricing),
	}).Info("Listing services initialized")
	return a, nil
}

func (a *App) buildSinks(ctx context.Context, redisCache *storage.RedisCache) ([]publish.Publisher, error) {
	cfg := a.Config
	var sinks []publish.Publisher

	if cfg.HasSink(config.SinkRedis) {
		sinks = append(sinks, publish.NewRedisStreamPublisher(redisCache.Client(), cfg.Events.RedisStream, cfg.Events.RedisStreamMaxLen))
	}
	if cfg.HasSink(config.SinkKafka) {
		k := publish.NewKafkaPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.ListingTopic)
		a.closers = append(a.closers, k.Close)
		sinks = append(sinks, k)
	}
	if cfg.HasSink(config.SinkClickHouse) {
		db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		sinks = append(sinks, publish.NewClickHouseAuditSink(db))
	}
	return sinks, nil
}

func newAdvisor(cfg config.PricingConfig) pricing.Advisor {
	if cfg.AdvisorURL == "" {
		return pricing.NewBaselineAdvisor(cfg.DefaultPrice, cfg.FloorPrice)
	}
	return pricing.NewHTTPAdvisor(pricing.HTTPAdvisorConfig{
		URL:               cfg.AdvisorURL,
		Timeout:           cfg.Timeout,
		Floor:             cfg.FloorPrice,
		RetryAttempts:     cfg.RetryAttempts,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}

func budgeted(next pricing.Advisor, cfg config.AdvisorBudgetConfig, redisCache *storage.RedisCache) (pricing.Advisor, error) {
	tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          redisCache.Client(),
		TotalBudget:    cfg.Total,
		ReservedBudget: cfg.Reserved,
		WindowSize:     cfg.Window,
		KeyTTL:         2 * cfg.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create advisor budget: %w", err)
	}
	pacer, err := ratelimit.NewPacer(&ratelimit.PacerConfig{Tracker: tracker, MaxWait: cfg.MaxWait})
	if err != nil {
		return nil, fmt.Errorf("failed to create advisor budget: %w", err)
	}
	return pricing.NewBudgetedAdvisor(next, pacer), nil
}

func advisorName(cfg config.PricingConfig) string {
	if cfg.AdvisorURL == "" {
		return "baseline"
	}
	return cfg.AdvisorURL
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
