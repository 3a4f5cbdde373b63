package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BearBump/ShipRecon/config"
	"github.com/BearBump/ShipRecon/internal/broker/kafka"
	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/aftership"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/fake"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/seventeentrack"
	"github.com/BearBump/ShipRecon/internal/services/reconciler"
	"github.com/BearBump/ShipRecon/internal/storage/pgshipment"
)

// workerStorage is what the worker needs from Postgres: the reconciler's
// repository plus the expiry sweep.
type workerStorage interface {
	reconciler.Repository
	ArchiveExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type workerFactories struct {
	newStorage        func(cfg *config.Config) (repo workerStorage, closeFn func(), err error)
	newProducer       func(cfg *config.Config) reconciler.Producer
	newProviderClient func(cfg *config.Config) provider.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipment.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) reconciler.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newProviderClient: newProviderClient,
	}
}

// newProviderClient picks the tracking aggregator from config. Unknown
// kinds fall back to the in-process fake, which needs no credentials.
func newProviderClient(cfg *config.Config) provider.Client {
	switch cfg.Provider.Kind {
	case "17track":
		return seventeentrack.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.BatchMax)
	case "aftership":
		return aftership.New(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	default:
		return fake.New()
	}
}

// degradedMode reports whether the configured provider can never be called
// successfully. The worker then skips reconcile cycles but keeps the expiry
// sweep and the admin HTTP server running.
func degradedMode(cfg *config.Config) bool {
	return cfg.Provider.Kind != "" && cfg.Provider.Kind != "fake" && cfg.Provider.APIKey == ""
}

func plannerConfigFromYAML(c config.ShipReconConfig) reconciler.PlannerConfig {
	sec := func(v int) time.Duration { return time.Duration(v) * time.Second }
	return reconciler.PlannerConfig{
		NoEventDelay:        sec(c.ScheduleNoEventSeconds),
		NoDataDelay:         sec(c.ScheduleNoDataSeconds),
		OutForDeliveryDelay: sec(c.ScheduleOutForDeliverySeconds),
		ArrivedDelay:        sec(c.ScheduleArrivedSeconds),
		InTransitDelay:      sec(c.ScheduleInTransitSeconds),
		ExceptionDelay:      sec(c.ScheduleExceptionSeconds),
		InfoReceivedDelay:   sec(c.ScheduleInfoReceivedSeconds),
		DefaultDelay:        sec(c.ScheduleDefaultSeconds),
		RateLimitDefer:      sec(c.ScheduleRateLimitDeferSeconds),
	}
}

func RunReconWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.ShipmentChangedTopicName
	if topic == "" {
		topic = "shipment.changed"
	}

	pollInterval := time.Duration(cfg.ShipRecon.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	batchSize := cfg.ShipRecon.WorkerBatchSize
	if batchSize <= 0 || batchSize > 100 {
		batchSize = 100
	}
	concurrency := cfg.ShipRecon.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	expiryDays := cfg.ShipRecon.ExpiryDays
	if expiryDays <= 0 {
		expiryDays = 90
	}
	sweepSpec := cfg.ShipRecon.ExpirySweepCron
	if sweepSpec == "" {
		sweepSpec = "0 4 * * *"
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	sweeper := cron.New()
	_, err = sweeper.AddFunc(sweepSpec, func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -expiryDays)
		n, err := repo.ArchiveExpired(ctx, cutoff)
		if err != nil {
			slog.Error("expiry sweep", "error", err.Error())
			return
		}
		if n > 0 {
			slog.Info("expiry sweep archived stale shipments", "count", n, "cutoff", cutoff)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid expiry sweep schedule %q: %w", sweepSpec, err)
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	var rec *reconciler.Reconciler
	if degradedMode(cfg) {
		slog.Warn("provider api key missing, reconcile cycles disabled", "provider", cfg.Provider.Kind)
	} else {
		rec = reconciler.New(repo, f.newProviderClient(cfg), f.newProducer(cfg), topic).
			WithSettings(pollInterval, batchSize, concurrency).
			WithPlanner(plannerConfigFromYAML(cfg.ShipRecon))
	}

	liveCfg := &atomic.Pointer[config.Config]{}
	liveCfg.Store(cfg)

	if cfgPath := os.Getenv("configPath"); cfgPath != "" {
		go func() {
			err := config.WatchConfig(ctx, cfgPath, func(next *config.Config) {
				liveCfg.Store(next)
				if rec != nil {
					rec.Retune(
						time.Duration(next.ShipRecon.WorkerPollIntervalSeconds)*time.Second,
						next.ShipRecon.WorkerBatchSize,
						next.ShipRecon.WorkerConcurrency,
						plannerConfigFromYAML(next.ShipRecon),
					)
				}
				slog.Info("config reloaded", "path", cfgPath)
			})
			if err != nil && err != context.Canceled {
				slog.Warn("config watcher stopped", "error", err.Error())
			}
		}()
	}

	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.ShipRecon.WorkerHTTPAddr,
			swaggerPath: os.Getenv("workerSwaggerPath"),
			reconciler:  rec,
			cfg:         liveCfg,
		})
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker http server", "error", err.Error())
		}
	}()

	if rec == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return rec.Run(ctx)
}
