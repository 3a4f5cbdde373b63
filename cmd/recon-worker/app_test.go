package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRecon/config"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/aftership"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/fake"
	"github.com/BearBump/ShipRecon/internal/integrations/provider/seventeentrack"
	"github.com/BearBump/ShipRecon/internal/models"
	"github.com/BearBump/ShipRecon/internal/services/reconciler"
)

type fakeRepo struct{}

func (r *fakeRepo) FindDueShipments(ctx context.Context, now time.Time, limit int) ([]*models.Shipment, error) {
	return []*models.Shipment{}, nil
}

func (r *fakeRepo) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	return nil, nil
}

func (r *fakeRepo) UpsertShipment(ctx context.Context, sh *models.Shipment) error { return nil }

func (r *fakeRepo) AppendEvents(ctx context.Context, shipmentID uint64, events []*models.ShipmentEvent) error {
	return nil
}

func (r *fakeRepo) DeferShipments(ctx context.Context, ids []uint64, until time.Time) error {
	return nil
}

func (r *fakeRepo) ArchiveExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type noopProducer struct{}

func (p noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

func TestNewProviderClient_SelectsByKind(t *testing.T) {
	c := newProviderClient(&config.Config{Provider: config.ProviderConfig{Kind: "17track", APIKey: "k"}})
	_, ok := c.(*seventeentrack.Client)
	require.True(t, ok)

	c = newProviderClient(&config.Config{Provider: config.ProviderConfig{Kind: "aftership", APIKey: "k"}})
	_, ok = c.(*aftership.Client)
	require.True(t, ok)

	c = newProviderClient(&config.Config{Provider: config.ProviderConfig{Kind: "something-else"}})
	_, ok = c.(*fake.Client)
	require.True(t, ok)

	c = newProviderClient(&config.Config{})
	_, ok = c.(*fake.Client)
	require.True(t, ok)
}

func TestDegradedMode(t *testing.T) {
	require.True(t, degradedMode(&config.Config{Provider: config.ProviderConfig{Kind: "17track"}}))
	require.False(t, degradedMode(&config.Config{Provider: config.ProviderConfig{Kind: "17track", APIKey: "k"}}))
	require.False(t, degradedMode(&config.Config{Provider: config.ProviderConfig{Kind: "fake"}}))
	require.False(t, degradedMode(&config.Config{}))
}

func TestDefaultWorkerFactories_ProducerNonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
	}
	require.NotNil(t, f.newProducer(cfg))
}

func TestRunReconWorker_ContextCanceled(t *testing.T) {
	calledClose := false

	f := workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			return &fakeRepo{}, func() { calledClose = true }, nil
		},
		newProducer: func(cfg *config.Config) reconciler.Producer {
			return noopProducer{}
		},
		newProviderClient: newProviderClient,
	}

	cfg := &config.Config{
		Kafka:     config.KafkaConfig{ShipmentChangedTopicName: "t"},
		ShipRecon: config.ShipReconConfig{WorkerPollIntervalSeconds: 1, WorkerHTTPAddr: "127.0.0.1:0"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunReconWorker(ctx, cfg, f)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
}

func TestRunReconWorker_DegradedSkipsReconcileLoop(t *testing.T) {
	f := workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			return &fakeRepo{}, nil, nil
		},
		newProducer: func(cfg *config.Config) reconciler.Producer {
			t.Fatal("producer must not be built without provider credentials")
			return nil
		},
		newProviderClient: newProviderClient,
	}

	cfg := &config.Config{
		Provider:  config.ProviderConfig{Kind: "17track"},
		ShipRecon: config.ShipReconConfig{WorkerHTTPAddr: "127.0.0.1:0"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunReconWorker(ctx, cfg, f)
	require.ErrorIs(t, err, context.Canceled)
}
