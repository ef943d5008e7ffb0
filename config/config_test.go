package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INGEST_MAX_PAGES", "")
	t.Setenv("INGEST_MAX_ORDERS_MODE", "")
	t.Setenv("STORAGE_DRIVER", "")

	cfg := Load()

	assert.Equal(t, 50, cfg.Ingest.MaxPages)
	assert.Equal(t, 100, cfg.Ingest.PageSize)
	assert.Equal(t, 5000, cfg.Ingest.MaxOrders)
	assert.Equal(t, "run", cfg.Ingest.MaxOrdersMode)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Contains(t, cfg.Upstream.Endpoints, "EU")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INGEST_MAX_PAGES", "3")
	t.Setenv("INGEST_MAX_ORDERS_MODE", "PAGE")
	t.Setenv("INGEST_EXCLUDE_MERCHANT_FULFILLED", "true")
	t.Setenv("UPSTREAM_REQUESTS_PER_SECOND", "1.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	assert.Equal(t, 3, cfg.Ingest.MaxPages)
	assert.Equal(t, "page", cfg.Ingest.MaxOrdersMode)
	assert.True(t, cfg.Ingest.ExcludeMerchantFulfilled)
	assert.Equal(t, 1.5, cfg.Upstream.RequestsPerSecond)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestReadinessChecks(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Driver: "memory"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Kafka:    KafkaConfig{Brokers: []string{""}},
		Upstream: UpstreamConfig{Mode: "http", Endpoints: map[string]string{"EU": "https://eu.example"}},
	}

	checks := cfg.ReadinessChecks()

	assert.True(t, checks["DATABASE_URL"])
	assert.True(t, checks["REDIS_ADDR"])
	assert.False(t, checks["KAFKA_BROKERS"])
	assert.False(t, checks["SPAPI_ACCESS_TOKEN"])
	assert.True(t, checks["SPAPI_ENDPOINT_EU"])
}
