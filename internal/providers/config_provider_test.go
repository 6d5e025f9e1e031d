package providers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"evmigrate/internal/structures"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewConfigProvider_DefaultsWithFlags(t *testing.T) {
	conf, err := NewConfigProvider(&structures.CliFlags{
		SourcePath: "v3.db",
		TargetPath: "v4.db",
		DebugMode:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, AppName, conf.AppName)
	assert.True(t, conf.Debug)
	assert.Equal(t, 1000, conf.Migration.BatchSize)
	assert.Equal(t, "vote_cast", conf.Migration.Category)
	assert.Equal(t, 2.0, conf.Readiness.SpaceMultiplier)
	assert.Equal(t, 250*time.Millisecond, conf.Performance.QueryBudget)
	assert.Equal(t, 5*time.Minute, conf.Cache.TTL)
	assert.Equal(t, "v4.db.checkpoints", conf.MigrationConfig().ArchiveDir)
}

func TestNewConfigProvider_FileThenFlags(t *testing.T) {
	path := writeConfig(t, `
migration:
  sourcePath: /data/v3.db
  targetPath: /data/v4.db
  batchSize: 200
performance:
  queryBudget: 1s
checkpoint:
  archiveDir: /data/archives
`)

	conf, err := NewConfigProvider(&structures.CliFlags{ConfigPath: path, BatchSize: 50, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, path, conf.Path)
	assert.Equal(t, "/data/v3.db", conf.Migration.SourcePath)
	assert.Equal(t, 50, conf.Migration.BatchSize, "flags override the file")
	assert.Equal(t, time.Second, conf.Performance.QueryBudget)
	assert.True(t, conf.DryRun)
	assert.Equal(t, "/data/archives", conf.MigrationConfig().ArchiveDir)
}

func TestNewConfigProvider_Env(t *testing.T) {
	t.Setenv("EVMIGRATE_SOURCE", "/env/v3.db")
	t.Setenv("EVMIGRATE_TARGET", "/env/v4.db")
	t.Setenv("EVMIGRATE_BATCH_SIZE", "300")

	conf, err := NewConfigProvider(&structures.CliFlags{})
	require.NoError(t, err)
	assert.Equal(t, "/env/v3.db", conf.Migration.SourcePath)
	assert.Equal(t, 300, conf.Migration.BatchSize)
}

func TestNewConfigProvider_MissingFile(t *testing.T) {
	_, err := NewConfigProvider(&structures.CliFlags{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, err)
}

func TestNewConfigProvider_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
migration:
  sourcePath: v3.db
  targetPath: v4.db
readiness:
  maxMalformedRatio: 2
`)
	_, err := NewConfigProvider(&structures.CliFlags{ConfigPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxMalformedRatio")
}
