package providers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evmigrate/internal/structures"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogTypeByCommand(t *testing.T) {
	assert.Equal(t, TypeExtract, GetLogTypeByCommand("validate"))
	assert.Equal(t, TypeExtract, GetLogTypeByCommand("stats"))
	assert.Equal(t, TypeMigrate, GetLogTypeByCommand("migrate"))
	assert.Equal(t, TypeMigrate, GetLogTypeByCommand("CONVERT"))
	assert.Equal(t, TypeCheckpoint, GetLogTypeByCommand("rollback"))
	assert.Equal(t, TypeValidate, GetLogTypeByCommand("report"))
	assert.Equal(t, TypeApp, GetLogTypeByCommand("help"))
}

func TestTypeEnum_String(t *testing.T) {
	assert.Equal(t, "checkpoint", TypeCheckpoint.String())
	assert.Equal(t, "app", TypeEnum(99).String())
}

func TestNewLogProvider_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	conf := &structures.Config{
		AppName: "evmigrate",
		Logger: structures.LoggerConfig{
			Level: "info",
			Mode:  0644,
			Dir:   dir,
		},
	}

	logger, err := NewLogProvider(conf)
	require.NoError(t, err)

	logger.Infof(TypeMigrate, "batch %d committed", 1)
	logger.Debugf(TypeMigrate, "below the level")
	logger.Warnf(TypeCheckpoint, "no checkpoint")
	logger.Close()

	raw, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"type":"migrate"`)
	assert.Contains(t, lines[0], `"message":"batch 1 committed"`)
	assert.Contains(t, lines[0], `"app":"evmigrate"`)
	assert.Contains(t, lines[1], `"level":"warn"`)
}

func TestNewLogProvider_AppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	conf := &structures.Config{Logger: structures.LoggerConfig{Level: "info", Mode: 0644, Dir: dir}}

	for i := 0; i < 2; i++ {
		logger, err := NewLogProvider(conf)
		require.NoError(t, err)
		logger.Infof(TypeApp, "run")
		logger.Close()
	}

	raw, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), `"message":"run"`))
}

func TestNewLogProvider_InvalidDir(t *testing.T) {
	conf := &structures.Config{
		Logger: structures.LoggerConfig{
			Level: "info",
			Mode:  0644,
			Dir:   "/nonexistent/directory/path",
		},
	}

	_, err := NewLogProvider(conf)
	assert.Error(t, err)
}

func TestNewLogProvider_InvalidLevel(t *testing.T) {
	conf := &structures.Config{Logger: structures.LoggerConfig{Level: "loud", Mode: 0644}}
	_, err := NewLogProvider(conf)
	assert.Error(t, err)
}
