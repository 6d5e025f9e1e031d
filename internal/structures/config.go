package structures

import "time"

// CliFlags carries the values parsed from the command line. Flags that are
// left at their zero value do not override the configuration file.
type CliFlags struct {
	ConfigPath string
	DebugMode  bool
	SourcePath string
	TargetPath string
	BatchSize  int
	Verbose    bool
	DryRun     bool
}

type MigrationSettings struct {
	SourcePath string `yaml:"sourcePath" validate:"required"`
	TargetPath string `yaml:"targetPath" validate:"required"`
	BatchSize  int    `yaml:"batchSize" validate:"required|int|min:1|max:100000"`
	SampleSize int    `yaml:"sampleSize" validate:"int|min:0"`
	Category   string `yaml:"category" validate:"required"`
}

type ReadinessConfig struct {
	MinFreeDiskMB     int     `yaml:"minFreeDiskMB" validate:"int|min:0"`
	SpaceMultiplier   float64 `yaml:"spaceMultiplier"`
	MaxMalformedRatio float64 `yaml:"maxMalformedRatio"`
}

type PerformanceConfig struct {
	QueryBudget        time.Duration `yaml:"queryBudget"`
	PreservationSample int           `yaml:"preservationSample" validate:"int|min:0"`
}

type CheckpointConfig struct {
	ArchiveDir string `yaml:"archiveDir"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required|in:trace,debug,info,warn,error,fatal,panic"`
	Mode  uint32 `yaml:"mode" validate:"required|uint"`
	Dir   string `yaml:"dir"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Textfile string `yaml:"textfile"`
}

type Config struct {
	AppName     string
	Debug       bool
	Verbose     bool
	DryRun      bool
	Path        string
	Migration   MigrationSettings `yaml:"migration"`
	Readiness   ReadinessConfig   `yaml:"readiness"`
	Performance PerformanceConfig `yaml:"performance"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Logger      LoggerConfig      `yaml:"logger"`
	Cache       CacheConfig       `yaml:"cache"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// MigrationConfig is the per-invocation view of the configuration handed to
// the core components. It is passed by value and never mutated.
type MigrationConfig struct {
	SourcePath string
	TargetPath string
	BatchSize  int
	SampleSize int
	Category   string
	ArchiveDir string
	Verbose    bool
	DryRun     bool

	MaxMalformedRatio float64
}

// MigrationConfig snapshots the settings relevant to one command invocation.
func (c *Config) MigrationConfig() MigrationConfig {
	archiveDir := c.Checkpoint.ArchiveDir
	if archiveDir == "" && c.Migration.TargetPath != "" {
		archiveDir = c.Migration.TargetPath + ".checkpoints"
	}
	return MigrationConfig{
		SourcePath: c.Migration.SourcePath,
		TargetPath: c.Migration.TargetPath,
		BatchSize:  c.Migration.BatchSize,
		SampleSize: c.Migration.SampleSize,
		Category:   c.Migration.Category,
		ArchiveDir: archiveDir,
		Verbose:    c.Verbose,
		DryRun:     c.DryRun,

		MaxMalformedRatio: c.Readiness.MaxMalformedRatio,
	}
}
