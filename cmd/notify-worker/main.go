package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipRecon/config"
	"github.com/BearBump/ShipRecon/internal/broker/kafka"
	"github.com/BearBump/ShipRecon/internal/services/notifier"
	"github.com/BearBump/ShipRecon/internal/storage/pgshipment"
	"github.com/BearBump/ShipRecon/internal/transport/telegram"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	topic := cfg.Kafka.ShipmentChangedTopicName
	if topic == "" {
		topic = "shipment.changed"
	}
	consumerGroup := cfg.ShipRecon.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "notify-worker"
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)
	defer st.Close()

	messenger, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSeconds) * time.Second,
		RatePerSec:  cfg.Telegram.RatePerSec,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to create telegram messenger: %v", err))
	}

	svc := notifier.New(st, messenger)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("notify worker started", "topic", topic, "group", consumerGroup)
	// Consume wraps the fetch error, so a plain comparison would miss the
	// cancellation that ends a clean shutdown.
	if err := consumer.Consume(ctx, func(key, value []byte) error {
		return svc.Handle(ctx, key, value)
	}); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
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
