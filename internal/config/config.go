// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds process-level configuration for webhookd.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	DatabaseURL       string // empty selects the in-memory store
	RedisURL          string // empty selects the in-process cycle lock
	CronSecret        string
	AdminToken        string
	TriggerRateLimit  float64       // trigger requests per second, 0 disables
	DispatchInterval  time.Duration // in-process schedule, 0 leaves scheduling to an external cron
	DispatchLockTTL   time.Duration
	ShutdownDrainWait time.Duration

	Kafka KafkaConfig
}

// KafkaConfig configures upstream event ingestion. Ingestion is disabled
// when Brokers is empty.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	DedupeTTL time.Duration
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		DatabaseURL:       GetSecret("DATABASE_URL"),
		RedisURL:          GetSecret("REDIS_URL"),
		CronSecret:        GetSecret("CRON_SECRET"),
		AdminToken:        GetSecret("ADMIN_TOKEN"),
		TriggerRateLimit:  GetFloatEnv("TRIGGER_RATE_LIMIT", 1),
		DispatchInterval:  GetDurationEnv("DISPATCH_INTERVAL", 0),
		DispatchLockTTL:   GetDurationEnv("DISPATCH_LOCK_TTL", 5*time.Minute),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Kafka: KafkaConfig{
			Brokers:   GetListEnv("WEBHOOK_KAFKA_BROKERS"),
			Topic:     GetEnv("WEBHOOK_KAFKA_TOPIC", "assessments.completed"),
			GroupID:   GetEnv("WEBHOOK_KAFKA_GROUP", "webhookd"),
			DedupeTTL: GetDurationEnv("WEBHOOK_KAFKA_DEDUPE_TTL", 24*time.Hour),
		},
	}
}
