package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/commuterlab/hazard-engine/internal/adapter/httpapi"
	kafkaadapter "github.com/commuterlab/hazard-engine/internal/adapter/kafka"
	mongoadapter "github.com/commuterlab/hazard-engine/internal/adapter/mongo"
	redisadapter "github.com/commuterlab/hazard-engine/internal/adapter/redis"
	"github.com/commuterlab/hazard-engine/internal/config"
	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/commuterlab/hazard-engine/internal/eta"
	"github.com/commuterlab/hazard-engine/internal/observability"
	"github.com/commuterlab/hazard-engine/internal/pipeline"
	"github.com/commuterlab/hazard-engine/internal/polyline"
	"github.com/commuterlab/hazard-engine/internal/targeting"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, err := mongoadapter.Connect(connectCtx, cfg.MongoURI)
	cancel()
	if err != nil {
		logger.Error("mongodb connection failed", "error", err)
		os.Exit(1)
	}

	versions := domain.NewVersionSource(clock)
	eventStore := mongoadapter.NewStore(mongoClient.Database(cfg.MongoDatabase), versions, clock, logger)
	if err := eventStore.EnsureIndexes(ctx); err != nil {
		logger.Error("event index creation failed", "error", err)
		os.Exit(1)
	}
	if err := eventStore.SyncVersionFloor(ctx); err != nil {
		logger.Error("version floor sync failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redisadapter.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	stateStore := redisadapter.NewStateStore(redisClient, logger)

	// Notification hand-off is feature-flagged via DISPATCH_ENABLED.
	var dispatcher domain.Dispatcher
	var dispatchWriter *kafkaadapter.Dispatcher
	if cfg.DispatchEnabled {
		dispatchWriter = kafkaadapter.NewDispatcher(cfg, clock, logger)
		dispatcher = dispatchWriter
		logger.Info("notification dispatch enabled", "topic", cfg.DispatchTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("notification dispatch disabled")
	}

	codec := polyline.NewCachedCodec(polyline.NewCodec(cfg.MaxPolylineChars), cfg.DecodeCacheSize)
	validator := eta.NewValidator(cfg.AvgSpeedKMH, cfg.BearingToleranceDeg, clock, logger)
	evaluator := pipeline.New(codec, eventStore, validator, clock, logger, metrics, cfg.Lookahead, cfg.MaxRouteVertices, cfg.WorkerLimit)
	svc := targeting.NewService(evaluator, eventStore, stateStore, dispatcher, clock, logger, metrics, cfg.Lookahead, cfg.StateGracePeriod)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httpapi.NewHandler(cfg, svc, codec, eventStore, stateStore, metrics, logger)
	srv := httpapi.NewServer(cfg.HTTPAddr, handler.InitRoutes(), logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if dispatchWriter != nil {
		if err := dispatchWriter.Close(); err != nil {
			logger.Error("dispatch writer close error", "error", err)
		}
	}
	if err := redisClient.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		logger.Error("mongodb disconnect error", "error", err)
	}

	logger.Info("shutdown complete")
}
