// Package config reads the service settings from the environment. Connection settings
// are required where a binary needs them; tuning values fall back to defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func required(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("env %s is not set", name)
	}
	return v, nil
}

func stringOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func intOr(name string, def int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func durationOr(name string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// PostgresDSN builds the connection string from SETTLEMENT_DB*.
func PostgresDSN() (string, error) {
	names := []string{"SETTLEMENT_DB", "SETTLEMENT_DB_PORT", "SETTLEMENT_DB_USER", "SETTLEMENT_DB_PASSWORD", "SETTLEMENT_DB_BASE"}
	vals := make([]string, len(names))
	for i, n := range names {
		v, err := required(n)
		if err != nil {
			return "", err
		}
		vals[i] = v
	}
	return "postgres://" + vals[2] + ":" + vals[3] + "@" + vals[0] + ":" + vals[1] + "/" + vals[4], nil
}

type Redis struct {
	Addr     string
	User     string
	Password string
}

// RedisFromEnv returns false when SETTLEMENT_REDIS_URL is unset; the service then runs
// without the balance cache and with process-local locks.
func RedisFromEnv() (Redis, bool) {
	addr := os.Getenv("SETTLEMENT_REDIS_URL")
	if addr == "" {
		return Redis{}, false
	}
	return Redis{
		Addr:     addr,
		User:     os.Getenv("SETTLEMENT_REDIS_USER"),
		Password: os.Getenv("SETTLEMENT_REDIS_PWD"),
	}, true
}

type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaFromEnv reads KAFKA_BROKERS and the topic named by topicEnv.
func KafkaFromEnv(topicEnv, defaultTopic, groupID string) (Kafka, error) {
	brokers, err := required("KAFKA_BROKERS")
	if err != nil {
		return Kafka{}, err
	}
	return Kafka{
		Brokers: strings.Split(brokers, ","),
		Topic:   stringOr(topicEnv, defaultTopic),
		GroupID: stringOr("KAFKA_GROUP_ID", groupID),
	}, nil
}

type Rabbit struct {
	URL          string
	RefundQueue  string
	ConfirmQueue string
}

func RabbitFromEnv() (Rabbit, error) {
	host, err := required("RABBIT_URL")
	if err != nil {
		return Rabbit{}, err
	}
	port, err := required("RABBIT_PORT")
	if err != nil {
		return Rabbit{}, err
	}
	user, err := required("RABBIT_USER")
	if err != nil {
		return Rabbit{}, err
	}
	pass, err := required("RABBIT_PASSWORD")
	if err != nil {
		return Rabbit{}, err
	}
	vhost := stringOr("RABBIT_VHOST", "settlement")
	return Rabbit{
		URL:          "amqp://" + user + ":" + pass + "@" + host + ":" + port + "/" + vhost,
		RefundQueue:  stringOr("RABBIT_REFUND_QUEUE", "refunds"),
		ConfirmQueue: stringOr("RABBIT_CONFIRM_QUEUE", "refund_confirms"),
	}, nil
}

type Gateway struct {
	URL     string
	Timeout time.Duration
}

func GatewayFromEnv() (Gateway, error) {
	url, err := required("GATEWAY_URL")
	if err != nil {
		return Gateway{}, err
	}
	return Gateway{URL: url, Timeout: durationOr("GATEWAY_TIMEOUT", 5*time.Second)}, nil
}

type FeePolicy struct {
	File          string
	MongoURI      string
	MongoDatabase string
}

func FeePolicyFromEnv() FeePolicy {
	return FeePolicy{
		File:          os.Getenv("FEE_POLICY_FILE"),
		MongoURI:      os.Getenv("FEE_POLICY_MONGO"),
		MongoDatabase: stringOr("FEE_POLICY_MONGO_DB", "settlement"),
	}
}

// Settings holds the tuning values shared by services and pollers.
type Settings struct {
	LogEnv       string
	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string

	LockExpiry time.Duration

	EarningBatchSize         int
	EarningConcurrency       int
	EarningMaxRetry          int
	EarningProcessingTimeout time.Duration
	MileageExpiry            time.Duration
	ScheduleRetention        time.Duration

	RefundUnknownTimeout    time.Duration
	RefundProcessingTimeout time.Duration
	RefundBatchSize         int

	OutboxBatchSize         int
	OutboxMaxRetry          int
	OutboxProcessingTimeout time.Duration
	OutboxRetention         time.Duration

	ExpirationBatchSize int

	PromoteInterval  time.Duration
	EarningInterval  time.Duration
	RetryInterval    time.Duration
	OutboxInterval   time.Duration
	RecoveryInterval time.Duration
	UnknownInterval  time.Duration
	ExpiryInterval   time.Duration
	CleanupInterval  time.Duration

	AlertThreshold int
	Workers        int
}

func Load() Settings {
	return Settings{
		LogEnv:       stringOr("LOG_ENV", "development"),
		HTTPAddr:     stringOr("SETTLEMENT_HTTP_ADDR", ":8080"),
		MetricsAddr:  stringOr("SETTLEMENT_METRICS_ADDR", ":9090"),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		LockExpiry: durationOr("SETTLEMENT_LOCK_EXPIRY", 30*time.Second),

		EarningBatchSize:         intOr("EARNING_BATCH_SIZE", 100),
		EarningConcurrency:       intOr("EARNING_CONCURRENCY", 5),
		EarningMaxRetry:          intOr("EARNING_MAX_RETRY", 3),
		EarningProcessingTimeout: durationOr("EARNING_PROCESSING_TIMEOUT", 10*time.Minute),
		MileageExpiry:            time.Duration(intOr("MILEAGE_EXPIRY_DAYS", 1825)) * 24 * time.Hour,
		ScheduleRetention:        time.Duration(intOr("SCHEDULE_RETENTION_DAYS", 90)) * 24 * time.Hour,

		RefundUnknownTimeout:    durationOr("REFUND_UNKNOWN_TIMEOUT", 30*time.Minute),
		RefundProcessingTimeout: durationOr("REFUND_PROCESSING_TIMEOUT", 5*time.Minute),
		RefundBatchSize:         intOr("REFUND_BATCH_SIZE", 50),

		OutboxBatchSize:         intOr("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetry:          intOr("OUTBOX_MAX_RETRY", 5),
		OutboxProcessingTimeout: durationOr("OUTBOX_PROCESSING_TIMEOUT", 5*time.Minute),
		OutboxRetention:         time.Duration(intOr("OUTBOX_RETENTION_DAYS", 7)) * 24 * time.Hour,

		ExpirationBatchSize: intOr("EXPIRATION_BATCH_SIZE", 500),

		PromoteInterval:  durationOr("PROMOTE_INTERVAL", time.Minute),
		EarningInterval:  durationOr("EARNING_INTERVAL", 30*time.Second),
		RetryInterval:    durationOr("RETRY_INTERVAL", 10*time.Minute),
		OutboxInterval:   durationOr("OUTBOX_INTERVAL", 5*time.Second),
		RecoveryInterval: durationOr("OUTBOX_RECOVERY_INTERVAL", time.Minute),
		UnknownInterval:  durationOr("REFUND_UNKNOWN_INTERVAL", 5*time.Minute),
		ExpiryInterval:   durationOr("EXPIRY_INTERVAL", time.Hour),
		CleanupInterval:  durationOr("CLEANUP_INTERVAL", 24*time.Hour),

		AlertThreshold: intOr("ALERT_THRESHOLD", 10),
		Workers:        intOr("SETTLEMENT_WORKERS", 5),
	}
}
