//go:build wireinject
// +build wireinject

package di

import (
	wire "github.com/google/wire"

	"evmigrate/internal"
	"evmigrate/internal/checkpoint"
	"evmigrate/internal/controllers"
	"evmigrate/internal/legacy"
	"evmigrate/internal/migrator"
	"evmigrate/internal/providers"
	"evmigrate/internal/services"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
	"evmigrate/internal/validator"
)

func InitApp(flags *structures.CliFlags, mode store.Mode) (*internal.App, error) {

	wire.Build(
		providers.NewConfigProvider,
		providers.NewLogProvider,
		providers.NewMetricsProvider,
		providers.NewInstrumentedCacheProvider,
		providers.NewMigrationConfig,
		providers.NewReadinessConfig,
		providers.NewPerformanceConfig,

		store.NewTargetHandle,
		legacy.NewExtractor,
		wire.Bind(new(legacy.ExtractorInterface), new(*legacy.Extractor)),

		checkpoint.NewZstdCompressor,
		checkpoint.NewManager,
		wire.Bind(new(checkpoint.ManagerInterface), new(*checkpoint.Manager)),
		wire.Bind(new(migrator.Checkpointer), new(*checkpoint.Manager)),
		wire.Bind(new(validator.CheckpointInspector), new(*checkpoint.Manager)),

		migrator.NewMigrator,
		wire.Bind(new(migrator.MigratorInterface), new(*migrator.Migrator)),
		wire.Bind(new(validator.Reconciler), new(*migrator.Migrator)),

		validator.NewValidator,
		wire.Bind(new(validator.ValidatorInterface), new(*validator.Validator)),

		services.NewMigrationService,
		controllers.NewCommandController,
		internal.NewApp,
	)

	return nil, nil
}
