package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipRecon/config"
	"github.com/BearBump/ShipRecon/internal/api/shipmentsapi"
	"github.com/BearBump/ShipRecon/internal/broker/kafka"
	"github.com/BearBump/ShipRecon/internal/cache/rediscache"
	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/aftership"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/fake"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/seventeentrack"
	"github.com/BearBump/ShipRecon/internal/services/reconciler"
	"github.com/BearBump/ShipRecon/internal/services/shipments"
	"github.com/BearBump/ShipRecon/internal/storage/pgshipment"
)

// cacheConsumerGroup is fixed so a deployment that tunes the notify
// worker's group can never accidentally merge both consumers into one
// group and split the stream between them.
const cacheConsumerGroup = "recon-api"

type reconAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     reconAPIOpts
	api      *shipmentsapi.API
	svc      *shipments.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapReconAPI() *reconAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	httpAddr := cfg.ShipRecon.APIHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.ShipmentChangedTopicName
	if topic == "" {
		topic = "shipment.changed"
	}

	cacheTTL := time.Duration(cfg.ShipRecon.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	cooldown := time.Duration(cfg.ShipRecon.RefreshCooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	addBudget := int64(cfg.ShipRecon.AddBudgetPerMinute)
	if addBudget <= 0 {
		addBudget = 5
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	providerClient := newProviderClient(cfg)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	// Manual refresh and the first check of a freshly registered shipment run
	// the worker's pipeline scoped to one shipment. The scan loop itself is
	// not started in this process.
	rec := reconciler.New(st, providerClient, producer, topic)

	svc := shipments.New(st, providerClient, rec).
		WithCache(rc, cacheTTL).
		WithCooldown(rl, cooldown).
		WithMaxActive(cfg.ShipRecon.MaxActivePerUser)

	api := shipmentsapi.New(svc).WithRegisterBudget(rl, addBudget, time.Minute)

	consumer := kafka.NewConsumer(brokers, topic, cacheConsumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &reconAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: reconAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: cacheConsumerGroup,
		},
		api:      api,
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
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

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipment.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipment.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *reconAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *reconAPIApp) Run() error {
	return runReconAPI(a.ctx, a.opts, a.api, a.svc, a.consumer)
}
