package providers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evmigrate/internal/structures"

	"github.com/rs/zerolog"
)

// LogFileName is the audit log written inside logger.dir.
const LogFileName = "evmigrate.log"

type TypeEnum int

const (
	TypeApp TypeEnum = iota
	TypeExtract
	TypeMigrate
	TypeCheckpoint
	TypeValidate
)

func (t TypeEnum) String() string {
	switch t {
	case TypeExtract:
		return "extract"
	case TypeMigrate:
		return "migrate"
	case TypeCheckpoint:
		return "checkpoint"
	case TypeValidate:
		return "validate"
	default:
		return "app"
	}
}

// GetLogTypeByCommand maps a command name to the log type its output is
// tagged with.
func GetLogTypeByCommand(command string) TypeEnum {
	switch strings.ToLower(command) {
	case "validate", "stats", "extract":
		return TypeExtract
	case "convert", "migrate":
		return TypeMigrate
	case "rollback":
		return TypeCheckpoint
	case "validate-migration", "validate-pre", "validate-post", "report":
		return TypeValidate
	default:
		return TypeApp
	}
}

type Logger interface {
	Errorf(t TypeEnum, format string, args ...interface{})
	Warnf(t TypeEnum, format string, args ...interface{})
	Debugf(t TypeEnum, format string, args ...interface{})
	Infof(t TypeEnum, format string, args ...interface{})
	Fatalf(t TypeEnum, format string, args ...interface{})
	Close()
}

type LogProvider struct {
	logger zerolog.Logger
	file   *os.File
}

// NewLogProvider writes JSON lines to logger.dir/evmigrate.log and, when
// verbose or when no directory is configured, human readable lines to stderr.
func NewLogProvider(conf *structures.Config) (Logger, error) {
	level, err := zerolog.ParseLevel(conf.Logger.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", conf.Logger.Level, err)
	}
	if conf.Debug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	var writers []io.Writer
	var file *os.File
	if conf.Logger.Dir != "" {
		file, err = os.OpenFile(filepath.Join(conf.Logger.Dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, os.FileMode(conf.Logger.Mode))
		if err != nil {
			return nil, fmt.Errorf("unable to open log file: %w", err)
		}
		writers = append(writers, file)
	}
	if conf.Logger.Dir == "" || conf.Verbose || conf.Debug {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("app", conf.AppName).
		Logger()

	return &LogProvider{logger: logger, file: file}, nil
}

func (l *LogProvider) Errorf(t TypeEnum, format string, args ...interface{}) {
	l.logger.Error().Str("type", t.String()).Msgf(format, args...)
}

func (l *LogProvider) Warnf(t TypeEnum, format string, args ...interface{}) {
	l.logger.Warn().Str("type", t.String()).Msgf(format, args...)
}

func (l *LogProvider) Debugf(t TypeEnum, format string, args ...interface{}) {
	l.logger.Debug().Str("type", t.String()).Msgf(format, args...)
}

func (l *LogProvider) Infof(t TypeEnum, format string, args ...interface{}) {
	l.logger.Info().Str("type", t.String()).Msgf(format, args...)
}

func (l *LogProvider) Fatalf(t TypeEnum, format string, args ...interface{}) {
	l.logger.Fatal().Str("type", t.String()).Msgf(format, args...)
}

func (l *LogProvider) Close() {
	if l.file != nil {
		_ = l.file.Sync()
		_ = l.file.Close()
		l.file = nil
	}
}
