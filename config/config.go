package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	ShipRecon ShipReconConfig `yaml:"shiprecon"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentChangedTopicName string `yaml:"shipment_changed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProviderConfig selects the upstream tracking aggregator. Kind is
// "17track", "aftership" or "fake". BaseURL overrides the provider's
// default endpoint, which is how staging points at a stub.
type ProviderConfig struct {
	Kind     string `yaml:"kind"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	BatchMax int    `yaml:"batch_max"`
}

type TelegramConfig struct {
	Token              string `yaml:"token"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
	RatePerSec         int    `yaml:"rate_per_sec"`
}

type ShipReconConfig struct {
	APIHTTPAddr             string `yaml:"api_http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	MaxActivePerUser       int `yaml:"max_active_per_user"`
	RefreshCooldownSeconds int `yaml:"refresh_cooldown_seconds"`
	AddBudgetPerMinute     int `yaml:"add_budget_per_minute"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`

	ExpiryDays      int    `yaml:"expiry_days"`
	ExpirySweepCron string `yaml:"expiry_sweep_cron"`

	// Worker scheduling (optional). If not set, defaults follow delivery tempo:
	// OUT_FOR_DELIVERY 15 minutes, arrivals and customs 90 minutes, transit and
	// sorting 5 hours, exceptions 1 hour.
	ScheduleNoEventSeconds        int `yaml:"schedule_no_event_seconds"`
	ScheduleNoDataSeconds         int `yaml:"schedule_no_data_seconds"`
	ScheduleOutForDeliverySeconds int `yaml:"schedule_out_for_delivery_seconds"`
	ScheduleArrivedSeconds        int `yaml:"schedule_arrived_seconds"`
	ScheduleInTransitSeconds      int `yaml:"schedule_in_transit_seconds"`
	ScheduleExceptionSeconds      int `yaml:"schedule_exception_seconds"`
	ScheduleInfoReceivedSeconds   int `yaml:"schedule_info_received_seconds"`
	ScheduleDefaultSeconds        int `yaml:"schedule_default_seconds"`
	ScheduleRateLimitDeferSeconds int `yaml:"schedule_rate_limit_defer_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
