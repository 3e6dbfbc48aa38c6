// Package logging provides structured logging for atlasmerge using zerolog.
//
// Human-readable console output is used when stderr is a terminal, JSON
// otherwise. A rotating log file can be configured for long batch runs.
//
//	log := logging.Default()
//	log.Info().Uint32("region", 278).Int("voxels", n).Msg("Exploring voxels")
package logging

import (
	"io"
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	defaultLogger zerolog.Logger

	// Nop discards everything.
	Nop = zerolog.Nop()
)

func init() {
	defaultLogger = createDefaultLogger()
}

// Config controls where log output goes.
type Config struct {
	// Level is a zerolog level name ("debug", "info", ...). Empty keeps the
	// level derived from LOG_LEVEL.
	Level string `yaml:"level"`

	// JSON forces JSON output even on a terminal.
	JSON bool `yaml:"json"`

	// Logfile, when set, receives log output through a rotating writer.
	Logfile string `yaml:"logfile"`

	// MaxSize is the rotation threshold in megabytes.
	MaxSize int `yaml:"maxSize"`

	// MaxAge is the number of days to retain old log files.
	MaxAge int `yaml:"maxAge"`
}

func createDefaultLogger() zerolog.Logger {
	var writer io.Writer = os.Stderr
	if isatty() && os.Getenv("LOG_FORMAT") != "json" {
		writer = consoleWriter(os.Stderr)
	}

	level := getLogLevel()
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	if level <= zerolog.DebugLevel {
		logger = logger.With().Caller().Logger()
	}
	return logger
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.Kitchen,
		NoColor:    os.Getenv("NO_COLOR") != "",
	}
}

// Configure replaces the default logger according to cfg. The returned
// closer must be called on shutdown when a log file was opened.
func Configure(cfg Config) (io.Closer, error) {
	level := getLogLevel()
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	var (
		writer io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	switch {
	case cfg.Logfile != "":
		l := &lumberjack.Logger{
			Filename: cfg.Logfile,
			MaxSize:  cfg.MaxSize, // megabytes
			MaxAge:   cfg.MaxAge,  // days
		}
		writer, closer = l, l
	case !cfg.JSON && isatty():
		writer = consoleWriter(os.Stderr)
	}

	SetDefault(zerolog.New(writer).Level(level).With().Timestamp().Logger())
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Default returns the default global logger.
func Default() *zerolog.Logger {
	return &defaultLogger
}

// SetDefault sets the default global logger.
func SetDefault(logger zerolog.Logger) {
	defaultLogger = logger
	log.Logger = logger
}

// New creates a new logger with the given writer.
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		Level(zerolog.GlobalLevel()).
		With().
		Timestamp().
		Logger()
}

// With creates a child logger context with additional fields.
func With() zerolog.Context {
	return defaultLogger.With()
}

// Debug starts a new debug level log event.
func Debug() *zerolog.Event {
	return defaultLogger.Debug()
}

// Info starts a new info level log event.
func Info() *zerolog.Event {
	return defaultLogger.Info()
}

// Warn starts a new warning level log event.
func Warn() *zerolog.Event {
	return defaultLogger.Warn()
}

// Error starts a new error level log event.
func Error() *zerolog.Event {
	return defaultLogger.Error()
}

func isatty() bool {
	fileInfo, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}

func getLogLevel() zerolog.Level {
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		if os.Getenv("DEBUG") != "" {
			return zerolog.DebugLevel
		}
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
