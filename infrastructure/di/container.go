package di

import (
	"go.uber.org/zap"

	cmdhandlers "github.com/chronos-store/chronos/application/commands/handlers"
	"github.com/chronos-store/chronos/application/ports"
	qryhandlers "github.com/chronos-store/chronos/application/queries/handlers"
	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/infrastructure/analytics"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/fallback"
	"github.com/chronos-store/chronos/infrastructure/retention"
	"github.com/chronos-store/chronos/infrastructure/routing"
)

// Container holds the worker process dependencies. Fields for disabled
// features are nil.
type Container struct {
	Config        *config.Config
	Logger        *zap.Logger
	Pool          *routing.Pool
	Router        *routing.Router
	Cache         ports.Cache
	FallbackStore ports.FallbackStore
	Analytics     *analytics.Engine
	Saga          *sagas.WriteSaga
	Writes        *cmdhandlers.WriteHandler
	Reads         *qryhandlers.ReadHandler
	Worker        *fallback.Worker
	Pruner        *retention.Pruner
}
