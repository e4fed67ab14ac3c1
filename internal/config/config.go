package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
	"github.com/couchcryptid/pulse-receiver/internal/observability"
)

// Sink backends accepted by SINK_BACKEND.
const (
	SinkDynamoDB = "dynamodb"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkNATS     = "nats"
	SinkKafka    = "kafka"
	SinkMemory   = "memory"
)

const defaultLogLevel = "INFO"

// Config holds all service settings, populated from environment variables.
// It is built once at startup and never modified.
type Config struct {
	// LogLevel is always a name observability.ParseLevel accepts.
	// InvalidLogLevel keeps a rejected LOGGING_LEVEL value so it can be reported.
	LogLevel        string
	InvalidLogLevel string
	LogFormat       string

	MaxThresholdPulse int64
	MinThresholdPulse int64
	WarnMaxPulse      int64
	WarnMinPulse      int64

	UDPAddr         string
	MaxDatagramSize int
	Workers         int
	QueueSize       int
	PersistTimeout  time.Duration

	SinkBackend      string
	SinkTable        string
	AWSRegion        string
	DynamoDBEndpoint string
	PostgresDSN      string
	RedisURL         string
	NATSURL          string
	KafkaBrokers     []string

	HTTPAddr        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
// A threshold that is set but not an integer aborts startup.
func Load() (*Config, error) {
	cfg := &Config{
		LogFormat:        sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		UDPAddr:          sharedcfg.EnvOrDefault("UDP_ADDR", ":5004"),
		SinkBackend:      strings.ToLower(sharedcfg.EnvOrDefault("SINK_BACKEND", SinkDynamoDB)),
		SinkTable:        sharedcfg.EnvOrDefault("SINK_TABLE", "pulse_values"),
		AWSRegion:        sharedcfg.EnvOrDefault("AWS_REGION", "us-east-1"),
		DynamoDBEndpoint: sharedcfg.EnvOrDefault("DYNAMODB_ENDPOINT", ""),
		PostgresDSN:      sharedcfg.EnvOrDefault("POSTGRES_DSN", ""),
		RedisURL:         sharedcfg.EnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:          sharedcfg.EnvOrDefault("NATS_URL", "nats://localhost:4222"),
		KafkaBrokers:     sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		HTTPAddr:         sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
	}

	cfg.LogLevel = sharedcfg.EnvOrDefault("LOGGING_LEVEL", defaultLogLevel)
	if _, ok := observability.ParseLevel(cfg.LogLevel); !ok {
		cfg.InvalidLogLevel = cfg.LogLevel
		cfg.LogLevel = defaultLogLevel
	}

	var err error
	if cfg.MaxThresholdPulse, err = parseInt64("MAX_THRESHOLD_PULSE_VALUE", 210); err != nil {
		return nil, err
	}
	if cfg.MinThresholdPulse, err = parseInt64("MIN_THRESHOLD_PULSE_VALUE", 40); err != nil {
		return nil, err
	}
	if cfg.WarnMaxPulse, err = parseInt64("WARN_MAX_PULSE_VALUE", 180); err != nil {
		return nil, err
	}
	if cfg.WarnMinPulse, err = parseInt64("WARN_MIN_PULSE_VALUE", 55); err != nil {
		return nil, err
	}

	if cfg.MaxDatagramSize, err = parseIntInRange("MAX_DATAGRAM_SIZE", 1500, 1, 65535); err != nil {
		return nil, err
	}
	if cfg.Workers, err = parseIntInRange("INGEST_WORKERS", 1, 1, 1024); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = parseIntInRange("INGEST_QUEUE_SIZE", 256, 1, 1<<20); err != nil {
		return nil, err
	}

	persistTimeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("PERSIST_TIMEOUT", "5s"))
	if err != nil || persistTimeout <= 0 {
		return nil, startupErr("PERSIST_TIMEOUT", errors.New("must be a positive duration"))
	}
	cfg.PersistTimeout = persistTimeout

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, startupErr("SHUTDOWN_TIMEOUT", err)
	}
	cfg.ShutdownTimeout = shutdownTimeout

	if err := cfg.validateSink(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Thresholds returns the classification limits.
func (c *Config) Thresholds() domain.Thresholds {
	return domain.Thresholds{
		CriticalHigh: c.MaxThresholdPulse,
		CriticalLow:  c.MinThresholdPulse,
		WarnHigh:     c.WarnMaxPulse,
		WarnLow:      c.WarnMinPulse,
	}
}

func (c *Config) validateSink() error {
	if c.SinkTable == "" {
		return startupErr("SINK_TABLE", errors.New("is required"))
	}
	switch c.SinkBackend {
	case SinkDynamoDB:
		if c.AWSRegion == "" {
			return startupErr("AWS_REGION", errors.New("is required for the dynamodb sink"))
		}
	case SinkPostgres:
		if c.PostgresDSN == "" {
			return startupErr("POSTGRES_DSN", errors.New("is required for the postgres sink"))
		}
	case SinkRedis:
		if c.RedisURL == "" {
			return startupErr("REDIS_URL", errors.New("is required for the redis sink"))
		}
	case SinkNATS:
		if c.NATSURL == "" {
			return startupErr("NATS_URL", errors.New("is required for the nats sink"))
		}
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return startupErr("KAFKA_BROKERS", errors.New("is required for the kafka sink"))
		}
	case SinkMemory:
	default:
		return startupErr("SINK_BACKEND", fmt.Errorf("unknown backend %q", c.SinkBackend))
	}
	return nil
}

// parseInt64 treats only an unset or empty variable as absent. Any other
// value, surrounding whitespace included, must parse as an integer.
func parseInt64(key string, def int64) (int64, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, startupErr(key, fmt.Errorf("invalid integer %q", s))
	}
	return v, nil
}

func parseIntInRange(key string, def, lo, hi int) (int, error) {
	v, err := parseInt64(key, int64(def))
	if err != nil {
		return 0, err
	}
	if v < int64(lo) || v > int64(hi) {
		return 0, startupErr(key, fmt.Errorf("must be between %d and %d", lo, hi))
	}
	return int(v), nil
}

func startupErr(key string, err error) error {
	return &domain.StartupError{Setting: key, Err: err}
}
