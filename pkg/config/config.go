package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CANDLEFLOW_"

// Config is the full service configuration. Precedence: defaults, then the
// YAML file, then CANDLEFLOW_* environment variables (a .env file is read
// first when present).
type Config struct {
	Environment string `yaml:"environment" env:"ENVIRONMENT" default:"development"`

	Log struct {
		Level  string `yaml:"level" env:"LEVEL" default:"info"`
		Format string `yaml:"format" env:"FORMAT" default:"json"`
		Output string `yaml:"output" env:"OUTPUT" default:"stdout"`
	} `yaml:"log" envPrefix:"LOG_"`

	Server struct {
		Port            int           `yaml:"port" env:"PORT" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" default:"15s"`
		RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS" default:"50"`
		RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST" default:"100"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" env:"ENABLED" default:"true"`
		Path    string `yaml:"path" env:"PATH" default:"/metrics"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Engine struct {
		Retention        int           `yaml:"retention" env:"RETENTION" default:"1000"`
		LaneSize         int           `yaml:"lane_size" env:"LANE_SIZE" default:"1024"`
		RollInterval     time.Duration `yaml:"roll_interval" env:"ROLL_INTERVAL" default:"1s"`
		BootstrapTimeout time.Duration `yaml:"bootstrap_timeout" env:"BOOTSTRAP_TIMEOUT" default:"10s"`
		PersistTimeout   time.Duration `yaml:"persist_timeout" env:"PERSIST_TIMEOUT" default:"5s"`
	} `yaml:"engine" envPrefix:"ENGINE_"`

	History struct {
		Backend string `yaml:"backend" env:"BACKEND" default:"sqlite"`
		Table   string `yaml:"table" env:"TABLE" default:"candles"`
	} `yaml:"history" envPrefix:"HISTORY_"`

	ClickHouse struct {
		Host         string        `yaml:"host" env:"HOST" default:"localhost"`
		Port         int           `yaml:"port" env:"PORT" default:"9000"`
		Database     string        `yaml:"database" env:"DATABASE" default:"default"`
		User         string        `yaml:"user" env:"USER" default:"default"`
		Password     string        `yaml:"password" env:"PASSWORD"`
		UseHTTP      bool          `yaml:"use_http" env:"USE_HTTP"`
		AsyncInsert  bool          `yaml:"async_insert" env:"ASYNC_INSERT"`
		WaitForAsync bool          `yaml:"wait_for_async_insert" env:"WAIT_FOR_ASYNC_INSERT"`
		DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT" default:"5s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"10s"`
	} `yaml:"clickhouse" envPrefix:"CLICKHOUSE_"`

	SQLite struct {
		Path string `yaml:"path" env:"PATH" default:"candleflow.db"`
	} `yaml:"sqlite" envPrefix:"SQLITE_"`

	Kafka struct {
		Brokers      []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
		PublishTopic string   `yaml:"publish_topic" env:"PUBLISH_TOPIC"`
		Producer     struct {
			RequiredAcks int           `yaml:"required_acks" env:"REQUIRED_ACKS" default:"-1"`
			Compression  string        `yaml:"compression" env:"COMPRESSION" default:"snappy"`
			MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" default:"3"`
			BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE" default:"100"`
			Linger       time.Duration `yaml:"linger" env:"LINGER" default:"50ms"`
			WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"10s"`
		} `yaml:"producer" envPrefix:"PRODUCER_"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" env:"GROUP_ID" default:"candleflow"`
			Workers    int           `yaml:"workers" env:"WORKERS" default:"1"`
			BufferSize int           `yaml:"buffer_size" env:"BUFFER_SIZE" default:"64"`
			RetryMax   int           `yaml:"retry_max" env:"RETRY_MAX" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" env:"BACKOFF_MIN" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic" env:"DLQ_TOPIC"`
		} `yaml:"consumer" envPrefix:"CONSUMER_"`
	} `yaml:"kafka" envPrefix:"KAFKA_"`

	Redis struct {
		Enabled  bool          `yaml:"enabled" env:"ENABLED"`
		Host     string        `yaml:"host" env:"HOST" default:"localhost"`
		Port     int           `yaml:"port" env:"PORT" default:"6379"`
		Password string        `yaml:"password" env:"PASSWORD"`
		DB       int           `yaml:"db" env:"DB"`
		TTL      time.Duration `yaml:"ttl" env:"TTL" default:"24h"`
		Channel  string        `yaml:"channel" env:"CHANNEL"`

		// MemoryEntries bounds the in-process snapshot layer, which is
		// used alone when Redis is disabled.
		MemoryEntries int `yaml:"memory_entries" env:"MEMORY_ENTRIES" default:"10000"`
	} `yaml:"redis" envPrefix:"REDIS_"`

	Sources struct {
		Finnhub struct {
			Enabled        bool              `yaml:"enabled" env:"ENABLED"`
			ID             string            `yaml:"id" env:"ID" default:"finnhub"`
			APIKey         string            `yaml:"api_key" env:"API_KEY"`
			WebSocketURL   string            `yaml:"websocket_url" env:"WEBSOCKET_URL" default:"wss://ws.finnhub.io"`
			Symbols        map[string]string `yaml:"symbols" env:"SYMBOLS" envSeparator:"," envKeyValSeparator:"="`
			Timeframes     []string          `yaml:"timeframes" env:"TIMEFRAMES" envSeparator:","`
			ReconnectDelay time.Duration     `yaml:"reconnect_delay" env:"RECONNECT_DELAY" default:"5s"`
			PingInterval   time.Duration     `yaml:"ping_interval" env:"PING_INTERVAL" default:"30s"`
		} `yaml:"finnhub" envPrefix:"FINNHUB_"`
		Kafka struct {
			Enabled     bool     `yaml:"enabled" env:"ENABLED"`
			ID          string   `yaml:"id" env:"ID" default:"kafka"`
			TradesTopic string   `yaml:"trades_topic" env:"TRADES_TOPIC" default:"candleflow.trades"`
			CandleTopic string   `yaml:"candles_topic" env:"CANDLES_TOPIC" default:"candleflow.candles"`
			Instruments []string `yaml:"instruments" env:"INSTRUMENTS" envSeparator:","`
			Timeframes  []string `yaml:"timeframes" env:"TIMEFRAMES" envSeparator:","`
		} `yaml:"kafka" envPrefix:"KAFKA_"`
	} `yaml:"sources" envPrefix:"SOURCE_"`
}

// Default returns a config holding only default values.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file. An empty path skips the
// file and uses defaults only.
func Load(path string) (*Config, error) {
	return load(path, false)
}

// LoadWithEnv loads config from YAML and overrides it with CANDLEFLOW_*
// environment variables.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(path, true)
}

func load(path string, withEnv bool) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if withEnv {
		if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
			return nil, fmt.Errorf("parse env: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Environment == "" {
		errs = append(errs, errors.New("environment is required"))
	}
	switch c.History.Backend {
	case "clickhouse", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("history.backend must be clickhouse, sqlite or memory, got %q", c.History.Backend))
	}
	if c.Engine.Retention <= 0 {
		errs = append(errs, errors.New("engine.retention must be positive"))
	}
	if c.Engine.LaneSize <= 0 {
		errs = append(errs, errors.New("engine.lane_size must be positive"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	fh := c.Sources.Finnhub
	if fh.Enabled {
		if fh.APIKey == "" {
			errs = append(errs, errors.New("sources.finnhub.api_key is required"))
		}
		if len(fh.Symbols) == 0 {
			errs = append(errs, errors.New("sources.finnhub.symbols cannot be empty"))
		}
	}
	kf := c.Sources.Kafka
	if kf.Enabled && len(kf.Instruments) == 0 {
		errs = append(errs, errors.New("sources.kafka.instruments cannot be empty"))
	}
	if (kf.Enabled || c.Kafka.PublishTopic != "") && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers required when kafka is used"))
	}
	if !fh.Enabled && !kf.Enabled {
		errs = append(errs, errors.New("at least one source must be enabled"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
