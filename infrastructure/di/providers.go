// Package di wires the object graph for the worker binary with google/wire.
// Library consumers go through the root package constructor instead; this
// container exists for processes that only run the background loops.
package di

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"go.uber.org/zap"

	cmdhandlers "github.com/chronos-store/chronos/application/commands/handlers"
	"github.com/chronos-store/chronos/application/ports"
	qryhandlers "github.com/chronos-store/chronos/application/queries/handlers"
	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/application/services"
	"github.com/chronos-store/chronos/infrastructure/analytics"
	"github.com/chronos-store/chronos/infrastructure/cache"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/fallback"
	"github.com/chronos-store/chronos/infrastructure/retention"
	"github.com/chronos-store/chronos/infrastructure/routing"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// ProvideLogger creates the environment-appropriate logger
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.IsProduction() {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = lvl
	}
	return zapCfg.Build()
}

// ProvidePool creates the connection pool
func ProvidePool(cfg *config.Config, logger *zap.Logger) *routing.Pool {
	return routing.NewPool(cfg, logger)
}

// ProvideRouter creates the context router
func ProvideRouter(cfg *config.Config, pool *routing.Pool, logger *zap.Logger) *routing.Router {
	return routing.NewRouter(cfg, pool, logger)
}

// ProvideCache creates the configured head cache, or nil when disabled
func ProvideCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	if cfg.Cache.Kind == "redis" {
		return cache.NewRedis(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB, logger)
	}
	return cache.NewMemory(0), nil
}

// ProvideFallbackStore opens the retry queue store, or nil when disabled
func ProvideFallbackStore(ctx context.Context, cfg *config.Config, pool *routing.Pool) (ports.FallbackStore, error) {
	if !cfg.Fallback.Enabled {
		return nil, nil
	}
	return pool.FallbackStore(ctx, cfg.SystemConnRef())
}

// ProvideCounterStore opens the analytics counter store, or nil when disabled
func ProvideCounterStore(ctx context.Context, cfg *config.Config, pool *routing.Pool) (ports.CounterStore, error) {
	if !cfg.Analytics.Enabled {
		return nil, nil
	}
	return pool.CounterStore(ctx, cfg.SystemConnRef())
}

// ProvideEmitter creates the CloudWatch mirror, or nil when disabled
func ProvideEmitter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (analytics.Emitter, error) {
	if !cfg.Analytics.Enabled || !cfg.Analytics.CloudWatch.Enabled {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Analytics.CloudWatch.Region))
	if err != nil {
		return nil, cerrors.NewStorage("loading AWS config for cloudwatch", err)
	}
	return analytics.NewCloudWatchEmitter(
		awscloudwatch.NewFromConfig(awsCfg), cfg.Analytics.CloudWatch.Namespace, logger), nil
}

// ProvideAnalyticsEngine creates the counter engine, or nil when disabled
func ProvideAnalyticsEngine(cfg *config.Config, store ports.CounterStore, emitter analytics.Emitter, logger *zap.Logger) (*analytics.Engine, error) {
	if !cfg.Analytics.Enabled {
		return nil, nil
	}
	return analytics.NewEngine(cfg.Analytics, store, emitter, logger)
}

// ProvideRecorder adapts the engine to the saga's recorder port
func ProvideRecorder(engine *analytics.Engine) sagas.Recorder {
	if engine == nil {
		return nil
	}
	return engine
}

// ProvideExternalizer creates the base64 payload externalizer
func ProvideExternalizer(logger *zap.Logger) *services.Externalizer {
	return services.NewExternalizer(logger)
}

// ProvideWriteSaga creates the write orchestration
func ProvideWriteSaga(
	cfg *config.Config,
	router *routing.Router,
	externalizer *services.Externalizer,
	fallbackStore ports.FallbackStore,
	recorder sagas.Recorder,
	headCache ports.Cache,
	logger *zap.Logger,
) *sagas.WriteSaga {
	return sagas.NewWriteSaga(cfg, router, externalizer, fallbackStore, recorder, headCache, logger)
}

// ProvideWriteHandler creates the command handler
func ProvideWriteHandler(cfg *config.Config, router *routing.Router, saga *sagas.WriteSaga, logger *zap.Logger) *cmdhandlers.WriteHandler {
	return cmdhandlers.NewWriteHandler(cfg, router, saga, logger)
}

// ProvideReadHandler creates the query handler
func ProvideReadHandler(cfg *config.Config, router *routing.Router, headCache ports.Cache, logger *zap.Logger) *qryhandlers.ReadHandler {
	return qryhandlers.NewReadHandler(cfg, router, headCache, logger)
}

// ProvideWorker creates the fallback worker, or nil when disabled
func ProvideWorker(cfg *config.Config, store ports.FallbackStore, saga *sagas.WriteSaga, logger *zap.Logger) *fallback.Worker {
	if !cfg.Fallback.Enabled {
		return nil
	}
	return fallback.NewWorker(cfg.Fallback, store, saga, logger)
}

// ProvidePruner creates the retention pruner, or nil when disabled
func ProvidePruner(cfg *config.Config, pool *routing.Pool, logger *zap.Logger) *retention.Pruner {
	if !cfg.Retention.Enabled {
		return nil
	}
	return retention.NewPruner(cfg, pool, logger)
}
