package providers

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"evmigrate/internal/structures"

	"github.com/spf13/viper"
)

const AppName = "evmigrate"

func setDefaults(v *viper.Viper) {
	v.SetDefault("migration.batchSize", 1000)
	v.SetDefault("migration.sampleSize", 5)
	v.SetDefault("migration.category", "vote_cast")
	v.SetDefault("readiness.minFreeDiskMB", 100)
	v.SetDefault("readiness.spaceMultiplier", 2.0)
	v.SetDefault("readiness.maxMalformedRatio", 0.1)
	v.SetDefault("performance.queryBudget", 250*time.Millisecond)
	v.SetDefault("performance.preservationSample", 100)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.mode", 0644)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size", 8)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("metrics.enabled", false)
}

func NewConfigProvider(flags *structures.CliFlags) (*structures.Config, error) {
	var conf structures.Config

	v := viper.New()
	setDefaults(v)

	v.BindEnv("migration.sourcePath", "EVMIGRATE_SOURCE")
	v.BindEnv("migration.targetPath", "EVMIGRATE_TARGET")
	v.BindEnv("migration.batchSize", "EVMIGRATE_BATCH_SIZE")
	v.BindEnv("readiness.minFreeDiskMB", "EVMIGRATE_MIN_FREE_DISK_MB")
	v.BindEnv("logger.level", "EVMIGRATE_LOG_LEVEL")
	v.BindEnv("logger.dir", "EVMIGRATE_LOG_DIR")
	v.BindEnv("cache.enabled", "EVMIGRATE_CACHE_ENABLED")
	v.BindEnv("metrics.enabled", "EVMIGRATE_METRICS_ENABLED")
	v.BindEnv("metrics.textfile", "EVMIGRATE_METRICS_TEXTFILE")

	if flags.ConfigPath != "" {
		filename := filepath.Base(flags.ConfigPath)
		v.AddConfigPath(filepath.Dir(flags.ConfigPath))
		v.SetConfigName(strings.TrimSuffix(filename, filepath.Ext(filename)))
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	applyFlags(&conf, flags)

	cnfValidator := NewCnfValidator(&conf)
	if err := cnfValidator.Validate(); err != nil {
		return nil, err
	}

	conf.AppName = AppName
	conf.Path = flags.ConfigPath
	conf.Debug = flags.DebugMode

	return &conf, nil
}

func applyFlags(conf *structures.Config, flags *structures.CliFlags) {
	if flags.SourcePath != "" {
		conf.Migration.SourcePath = flags.SourcePath
	}
	if flags.TargetPath != "" {
		conf.Migration.TargetPath = flags.TargetPath
	}
	if flags.BatchSize > 0 {
		conf.Migration.BatchSize = flags.BatchSize
	}
	conf.Verbose = flags.Verbose
	conf.DryRun = flags.DryRun
}

func NewMigrationConfig(conf *structures.Config) structures.MigrationConfig {
	return conf.MigrationConfig()
}

func NewReadinessConfig(conf *structures.Config) structures.ReadinessConfig {
	return conf.Readiness
}

func NewPerformanceConfig(conf *structures.Config) structures.PerformanceConfig {
	return conf.Performance
}
