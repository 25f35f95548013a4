package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
environment: production
history:
  backend: clickhouse
engine:
  retention: 500
  roll_interval: 250ms
kafka:
  brokers: ["k1:9092"]
  publish_topic: candles.closed
sources:
  finnhub:
    enabled: true
    api_key: abc
    symbols:
      "BINANCE:BTCUSDT": BTCUSD
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsThenFile(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.True(t, c.IsProduction())
	assert.Equal(t, "clickhouse", c.History.Backend)
	assert.Equal(t, 500, c.Engine.Retention)
	assert.Equal(t, 250*time.Millisecond, c.Engine.RollInterval)
	assert.Equal(t, 1024, c.Engine.LaneSize)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "/metrics", c.Metrics.Path)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, -1, c.Kafka.Producer.RequiredAcks)
	assert.Equal(t, "BTCUSD", c.Sources.Finnhub.Symbols["BINANCE:BTCUSDT"])
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("CANDLEFLOW_ENGINE_RETENTION", "42")
	t.Setenv("CANDLEFLOW_SERVER_PORT", "9090")
	t.Setenv("CANDLEFLOW_KAFKA_BROKERS", "a:1,b:2")
	t.Setenv("CANDLEFLOW_SOURCE_FINNHUB_API_KEY", "from-env")

	c, err := LoadWithEnv(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 42, c.Engine.Retention)
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, []string{"a:1", "b:2"}, c.Kafka.Brokers)
	assert.Equal(t, "from-env", c.Sources.Finnhub.APIKey)
}

func TestValidate(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Error(t, c.Validate(), "no source enabled")

	c.Sources.Kafka.Enabled = true
	c.Sources.Kafka.Instruments = []string{"BTCUSD"}
	assert.Error(t, c.Validate(), "kafka source without brokers")

	c.Kafka.Brokers = []string{"k:9092"}
	assert.NoError(t, c.Validate())

	c.History.Backend = "postgres"
	assert.Error(t, c.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
