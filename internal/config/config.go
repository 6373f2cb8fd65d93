// Package config loads TelOS's process configuration: core paths
// (WAL, logs, memory snapshot), the hypervector dimension, and the
// optional external backends (Redis embedding cache, Qdrant vector
// backend, Postgres snapshot store, S3 WAL archival, Kafka frame
// notification, ClickHouse analytics) described in SPEC_FULL.md §2.3
// and §3.
//
// Grounded on the teacher's internal/config/loader.go: environment
// variables win, an optional YAML file fills gaps, and hard defaults
// cover anything still unset. Simplified from the teacher's sprawling
// multi-service Config down to TelOS's own surface.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration for a TelOS instance.
type Config struct {
	WALPath     string `yaml:"wal_path"`
	WALMaxBytes int64  `yaml:"wal_max_bytes"`
	LogsDir     string `yaml:"logs_dir"`
	LogPath     string `yaml:"log_path"`
	LogLevel    string `yaml:"log_level"`
	HVDimension int    `yaml:"hv_dimension"`

	MemorySnapshotPath string `yaml:"memory_snapshot_path"`

	Redis      RedisConfig      `yaml:"redis"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	S3Archival S3Config         `yaml:"s3_archival"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// RedisConfig backs memory.RedisCache, an optional embedding-cache tier.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// QdrantConfig backs memory.QdrantBackend, an optional ANN accelerator.
type QdrantConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
}

// PostgresConfig backs memory.PostgresSnapshotStore, an optional
// alternative to JSONL memory persistence.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// S3Config backs wal.S3Archiver, rotated-WAL offload.
type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// KafkaConfig backs wal.KafkaFrameNotifier, commit-frame fanout.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ClickHouseConfig backs telemetry.AnalyticsSink, command/event
// analytics ingestion.
type ClickHouseConfig struct {
	Enabled bool     `yaml:"enabled"`
	Addr    []string `yaml:"addr"`
	Auth    struct {
		Database string `yaml:"database"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"auth"`
	Table string `yaml:"table"`
}

// TelemetryConfig controls OpenTelemetry tracing/metrics export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

func defaults() Config {
	return Config{
		WALPath:            "telos.wal",
		WALMaxBytes:        10 << 20,
		LogsDir:            "logs",
		LogLevel:           "info",
		HVDimension:        10000,
		MemorySnapshotPath: "memory.jsonl",
		Telemetry: TelemetryConfig{
			ServiceName: "telos",
		},
	}
}

// Load reads a .env file (if present, via godotenv.Overload, so values
// in .env replace variables already exported in the process
// environment — matching the teacher's loader), then an
// optional YAML file at yamlPath (if non-empty and present), then
// layers environment variables over both, falling back to hard
// defaults for anything still unset.
func Load(yamlPath string) (Config, error) {
	_ = godotenv.Overload()

	cfg := defaults()

	if yamlPath != "" {
		if b, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if cfg.HVDimension <= 0 {
		return Config{}, errors.New("config: hv_dimension must be positive")
	}
	if cfg.WALPath == "" {
		return Config{}, errors.New("config: wal_path must not be empty")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.WALPath, "TELOS_WAL_PATH")
	i64(&cfg.WALMaxBytes, "TELOS_WAL_MAX_BYTES")
	str(&cfg.LogsDir, "TELOS_LOGS_DIR")
	str(&cfg.LogPath, "TELOS_LOG_PATH")
	str(&cfg.LogLevel, "TELOS_LOG_LEVEL")
	i(&cfg.HVDimension, "TELOS_HV_DIMENSION")
	str(&cfg.MemorySnapshotPath, "TELOS_MEMORY_SNAPSHOT_PATH")

	b(&cfg.Redis.Enabled, "TELOS_REDIS_ENABLED")
	str(&cfg.Redis.Addr, "TELOS_REDIS_ADDR")
	str(&cfg.Redis.Password, "TELOS_REDIS_PASSWORD")
	i(&cfg.Redis.DB, "TELOS_REDIS_DB")
	str(&cfg.Redis.Prefix, "TELOS_REDIS_PREFIX")

	b(&cfg.Qdrant.Enabled, "TELOS_QDRANT_ENABLED")
	str(&cfg.Qdrant.Host, "TELOS_QDRANT_HOST")
	i(&cfg.Qdrant.Port, "TELOS_QDRANT_PORT")
	str(&cfg.Qdrant.Collection, "TELOS_QDRANT_COLLECTION")

	b(&cfg.Postgres.Enabled, "TELOS_POSTGRES_ENABLED")
	str(&cfg.Postgres.DSN, "TELOS_POSTGRES_DSN")
	str(&cfg.Postgres.Table, "TELOS_POSTGRES_TABLE")

	b(&cfg.S3Archival.Enabled, "TELOS_S3_ENABLED")
	str(&cfg.S3Archival.Bucket, "TELOS_S3_BUCKET")
	str(&cfg.S3Archival.Prefix, "TELOS_S3_PREFIX")
	str(&cfg.S3Archival.Region, "TELOS_S3_REGION")

	b(&cfg.Kafka.Enabled, "TELOS_KAFKA_ENABLED")
	if v := os.Getenv("TELOS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	str(&cfg.Kafka.Topic, "TELOS_KAFKA_TOPIC")

	b(&cfg.ClickHouse.Enabled, "TELOS_CLICKHOUSE_ENABLED")
	if v := os.Getenv("TELOS_CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = strings.Split(v, ",")
	}
	str(&cfg.ClickHouse.Auth.Database, "TELOS_CLICKHOUSE_DATABASE")
	str(&cfg.ClickHouse.Auth.Username, "TELOS_CLICKHOUSE_USERNAME")
	str(&cfg.ClickHouse.Auth.Password, "TELOS_CLICKHOUSE_PASSWORD")
	str(&cfg.ClickHouse.Table, "TELOS_CLICKHOUSE_TABLE")

	b(&cfg.Telemetry.Enabled, "TELOS_OTEL_ENABLED")
	str(&cfg.Telemetry.Endpoint, "TELOS_OTEL_ENDPOINT")
	b(&cfg.Telemetry.Insecure, "TELOS_OTEL_INSECURE")
	str(&cfg.Telemetry.ServiceName, "TELOS_OTEL_SERVICE_NAME")
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func b(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func i(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func i64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}
