package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "transactions.input", cfg.Kafka.InputTopic)
	assert.Equal(t, 0.70, cfg.Fraud.BlockThreshold)
	assert.Equal(t, 0.40, cfg.Fraud.ReviewThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Fraud.UserFlagTTL)
	assert.Equal(t, 10*time.Minute, cfg.Fraud.DedupTTL)
	assert.Equal(t, time.Hour, cfg.Fraud.VelocityWindow)
	assert.Equal(t, 256, cfg.Knowledge.Dimensions)
	assert.Equal(t, 0.70, cfg.Knowledge.SimilarityFloor)
	assert.True(t, cfg.Agents.Enabled)
	assert.Equal(t, 20, cfg.Agents.MaxRequestsPerMin)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("FRAUD_BLOCK_THRESHOLD", "0.85")
	t.Setenv("USE_AGENTS", "false")
	t.Setenv("WORKER_COUNT", "8")

	cfg := Load()

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 0.85, cfg.Fraud.BlockThreshold)
	assert.False(t, cfg.Agents.Enabled)
	assert.Equal(t, 8, cfg.Worker.NumWorkers)
}

func TestDurationEnvAcceptsBareSeconds(t *testing.T) {
	t.Setenv("AI_REQUEST_DELAY_SEC", "2.5")
	t.Setenv("AI_MAX_RATE_WAIT", "45s")

	cfg := Load()

	assert.Equal(t, 2500*time.Millisecond, cfg.Agents.RequestDelay)
	assert.Equal(t, 45*time.Second, cfg.Agents.MaxRateWait)
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("FRAUD_REVIEW_THRESHOLD", "not-a-number")
	t.Setenv("DB_MAX_OPEN_CONNS", "lots")

	cfg := Load()

	assert.Equal(t, 0.40, cfg.Fraud.ReviewThreshold)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}
