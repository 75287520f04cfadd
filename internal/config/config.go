package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"hazard_engine"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Notification dispatch hand-off.
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	DispatchTopic   string   `envconfig:"DISPATCH_TOPIC" default:"notification-dispatch"`
	DispatchEnabled bool     `envconfig:"DISPATCH_ENABLED" default:"true"`

	// Request evaluation limits.
	MaxPolylineChars    int           `envconfig:"MAX_POLYLINE_CHARS" default:"16384"`
	MaxRouteVertices    int           `envconfig:"MAX_ROUTE_VERTICES" default:"5000"`
	MaxRoutesPerRequest int           `envconfig:"MAX_ROUTES_PER_REQUEST" default:"25"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	DecodeCacheSize     int           `envconfig:"DECODE_CACHE_SIZE" default:"1024"`
	// WorkerLimit bounds per-request route fan-out; 0 means the CPU count.
	WorkerLimit int `envconfig:"WORKER_LIMIT" default:"0"`

	// Evaluation semantics.
	Lookahead           time.Duration `envconfig:"LOOKAHEAD" default:"1h"`
	AvgSpeedKMH         float64       `envconfig:"AVG_SPEED_KMH" default:"60"`
	BearingToleranceDeg float64       `envconfig:"BEARING_TOLERANCE_DEG" default:"45"`
	StateGracePeriod    time.Duration `envconfig:"STATE_GRACE_PERIOD" default:"24h"`
}

// Load reads configuration from environment variables, applying defaults
// where unset and rejecting values the engine cannot run with.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return nil, errors.New("LOG_FORMAT must be json or text")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New("LOG_LEVEL must be one of debug, info, warn, error")
	}

	if cfg.ShutdownTimeout <= 0 {
		return nil, errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, errors.New("REQUEST_TIMEOUT must be positive")
	}
	if cfg.MongoURI == "" {
		return nil, errors.New("MONGO_URI is required")
	}
	if cfg.MongoDatabase == "" {
		return nil, errors.New("MONGO_DATABASE is required")
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}

	brokers := cfg.KafkaBrokers[:0]
	for _, b := range cfg.KafkaBrokers {
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.KafkaBrokers = brokers

	if cfg.DispatchEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when DISPATCH_ENABLED is true")
		}
		if cfg.DispatchTopic == "" {
			return nil, errors.New("DISPATCH_TOPIC is required when DISPATCH_ENABLED is true")
		}
	}

	if cfg.MaxPolylineChars <= 0 {
		return nil, errors.New("MAX_POLYLINE_CHARS must be positive")
	}
	if cfg.MaxRouteVertices <= 0 {
		return nil, errors.New("MAX_ROUTE_VERTICES must be positive")
	}
	if cfg.MaxRoutesPerRequest <= 0 {
		return nil, errors.New("MAX_ROUTES_PER_REQUEST must be positive")
	}
	if cfg.DecodeCacheSize <= 0 {
		return nil, errors.New("DECODE_CACHE_SIZE must be positive")
	}
	if cfg.Lookahead < 0 {
		return nil, errors.New("LOOKAHEAD must not be negative")
	}
	if cfg.AvgSpeedKMH <= 0 {
		return nil, errors.New("AVG_SPEED_KMH must be positive")
	}
	if cfg.BearingToleranceDeg < 0 || cfg.BearingToleranceDeg > 180 {
		return nil, errors.New("BEARING_TOLERANCE_DEG must be within [0, 180]")
	}
	if cfg.StateGracePeriod < 0 {
		return nil, errors.New("STATE_GRACE_PERIOD must not be negative")
	}

	if cfg.WorkerLimit <= 0 {
		cfg.WorkerLimit = runtime.NumCPU()
	}

	return &cfg, nil
}
