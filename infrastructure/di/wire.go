//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/chronos-store/chronos/infrastructure/config"
)

// SuperSet is the full provider set
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvidePool,
	ProvideRouter,
	ProvideCache,
	ProvideFallbackStore,
	ProvideCounterStore,
	ProvideEmitter,
	ProvideAnalyticsEngine,
	ProvideRecorder,
	ProvideExternalizer,
	ProvideWriteSaga,
	ProvideWriteHandler,
	ProvideReadHandler,
	ProvideWorker,
	ProvidePruner,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	wire.Build(SuperSet)
	return nil, nil // Wire will replace this
}
