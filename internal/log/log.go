// Package log configures the global zerolog logger. Everything else logs
// through github.com/rs/zerolog/log directly.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel implements pflag.Value so it can be used as a cobra flag.
type LogLevel string

const (
	TRACE    LogLevel = "trace"
	DEBUG    LogLevel = "debug"
	INFO     LogLevel = "info"
	WARN     LogLevel = "warn"
	ERROR    LogLevel = "error"
	DISABLED LogLevel = "disabled"
)

var Levels = []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, DISABLED}

// LogFile is the optional log file opened by InitWithLogLevel.
var LogFile *os.File

func (ll LogLevel) String() string {
	return string(ll)
}

func (ll *LogLevel) Set(v string) error {
	if _, err := toZerolog(LogLevel(v)); err != nil {
		return err
	}
	*ll = LogLevel(v)
	return nil
}

func (ll LogLevel) Type() string {
	return "LogLevel"
}

func toZerolog(v LogLevel) (zerolog.Level, error) {
	switch v {
	case TRACE:
		return zerolog.TraceLevel, nil
	case DEBUG:
		return zerolog.DebugLevel, nil
	case INFO, "":
		return zerolog.InfoLevel, nil
	case WARN:
		return zerolog.WarnLevel, nil
	case ERROR:
		return zerolog.ErrorLevel, nil
	case DISABLED:
		return zerolog.Disabled, nil
	}
	return zerolog.NoLevel, fmt.Errorf("must be one of %v", Levels)
}

// InitWithLogLevel sets the global logger to write to stderr and, when
// logPath is set, to a log file as well. Status lines never go through
// the logger; stdout is reserved for them.
func InitWithLogLevel(logLevel LogLevel, logPath string) error {
	return initWithWriter(logLevel, logPath, os.Stderr)
}

func initWithWriter(logLevel LogLevel, logPath string, stderr io.Writer) error {
	level, err := toZerolog(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{
		&zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: stderr},
			Level:  level,
		},
	}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		LogFile, err = os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: LogFile},
			Level:  level,
		})
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Str("service", "upsmon").
		Logger()
	return nil
}

// Close closes the log file, if one was opened.
func Close() error {
	if LogFile == nil {
		return nil
	}
	err := LogFile.Close()
	LogFile = nil
	return err
}
