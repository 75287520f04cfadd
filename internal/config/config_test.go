package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "hazard_engine", cfg.MongoDatabase)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "notification-dispatch", cfg.DispatchTopic)
	assert.True(t, cfg.DispatchEnabled)
	assert.Equal(t, 16384, cfg.MaxPolylineChars)
	assert.Equal(t, 5000, cfg.MaxRouteVertices)
	assert.Equal(t, 25, cfg.MaxRoutesPerRequest)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 1024, cfg.DecodeCacheSize)
	assert.Equal(t, time.Hour, cfg.Lookahead)
	assert.InEpsilon(t, 60.0, cfg.AvgSpeedKMH, 0.0001)
	assert.InEpsilon(t, 45.0, cfg.BearingToleranceDeg, 0.0001)
	assert.Equal(t, 24*time.Hour, cfg.StateGracePeriod)
	assert.Positive(t, cfg.WorkerLimit, "zero worker limit should resolve to the CPU count")
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("MONGO_URI", "mongodb://db1:27017,db2:27017")
	t.Setenv("MONGO_DATABASE", "hazards_test")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("DISPATCH_TOPIC", "custom-dispatch")
	t.Setenv("MAX_POLYLINE_CHARS", "2048")
	t.Setenv("MAX_ROUTE_VERTICES", "100")
	t.Setenv("MAX_ROUTES_PER_REQUEST", "5")
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("LOOKAHEAD", "30m")
	t.Setenv("AVG_SPEED_KMH", "80")
	t.Setenv("BEARING_TOLERANCE_DEG", "30")
	t.Setenv("WORKER_LIMIT", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "mongodb://db1:27017,db2:27017", cfg.MongoURI)
	assert.Equal(t, "hazards_test", cfg.MongoDatabase)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-dispatch", cfg.DispatchTopic)
	assert.Equal(t, 2048, cfg.MaxPolylineChars)
	assert.Equal(t, 100, cfg.MaxRouteVertices)
	assert.Equal(t, 5, cfg.MaxRoutesPerRequest)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Lookahead)
	assert.InEpsilon(t, 80.0, cfg.AvgSpeedKMH, 0.0001)
	assert.InEpsilon(t, 30.0, cfg.BearingToleranceDeg, 0.0001)
	assert.Equal(t, 4, cfg.WorkerLimit)
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_NegativeShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "-1s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	t.Setenv("LOG_FORMAT", "yaml")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_FORMAT")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoad_InvalidMaxPolylineChars(t *testing.T) {
	t.Setenv("MAX_POLYLINE_CHARS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_POLYLINE_CHARS")
}

func TestLoad_InvalidMaxRouteVertices(t *testing.T) {
	t.Setenv("MAX_ROUTE_VERTICES", "-5")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ROUTE_VERTICES")
}

func TestLoad_InvalidAvgSpeed(t *testing.T) {
	t.Setenv("AVG_SPEED_KMH", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AVG_SPEED_KMH")
}

func TestLoad_InvalidBearingTolerance(t *testing.T) {
	t.Setenv("BEARING_TOLERANCE_DEG", "181")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BEARING_TOLERANCE_DEG")
}

func TestLoad_MissingMongoURI(t *testing.T) {
	t.Setenv("MONGO_URI", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGO_URI")
}

func TestLoad_DispatchDisabledSkipsKafkaValidation(t *testing.T) {
	t.Setenv("DISPATCH_ENABLED", "false")
	t.Setenv("DISPATCH_TOPIC", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.DispatchEnabled)
}

func TestLoad_DispatchEnabledRequiresTopic(t *testing.T) {
	t.Setenv("DISPATCH_TOPIC", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_TOPIC")
}
