package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"smartgrid-relay/src/models"
)

// -----------------------------------------------------------------------------

// Logger provides named, leveled logging on top of log/slog.
type Logger struct {
	name   string
	logger *slog.Logger
}

// -----------------------------------------------------------------------------

// NewLogger creates a new Logger instance. config may be nil, a *models.MConfig,
// or anything embedding one; its LogLevel selects the minimum level and its
// LogFile adds a rotating file next to stdout.
func NewLogger(config interface{}, name string) *Logger {
	return NewLoggerTo(outputFor(config), config, name)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, config interface{}, name string) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelFromConfig(config)})
	return &Logger{
		name:   name,
		logger: slog.New(handler).With("component", name),
	}
}

// -----------------------------------------------------------------------------

// Named returns a logger sharing the same handler under another name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{name: name, logger: l.logger.With("component", name)}
}

// -----------------------------------------------------------------------------

// Debug logs diagnostic messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(slog.LevelDebug, "DEBUG", format, args...)
}

// -----------------------------------------------------------------------------

// Warning logs recoverable problems
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(slog.LevelWarn, "WARNING", format, args...)
}

// -----------------------------------------------------------------------------

// Info logs informational messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(slog.LevelInfo, "INFO", format, args...)
}

// -----------------------------------------------------------------------------

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(slog.LevelError, "ERROR", format, args...)
}

// -----------------------------------------------------------------------------

// Critical logs critical errors and exits the application
func (l *Logger) Critical(format string, args ...interface{}) {
	l.log(slog.LevelError+4, "CRITICAL", format, args...)
	os.Exit(1)
}

// -----------------------------------------------------------------------------

func (l *Logger) log(level slog.Level, label, format string, args ...interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Log(context.Background(), level, fmt.Sprintf("[%s] %s: %s", l.name, label, msg))
}

// -----------------------------------------------------------------------------

func levelFromConfig(config interface{}) slog.Level {
	var level string
	switch c := config.(type) {
	case *models.MConfig:
		if c != nil {
			level = c.LogLevel
		}
	case interface{ GetLogLevel() string }:
		level = c.GetLogLevel()
	}
	return ParseLevel(level)
}

// ParseLevel maps the config log_level strings onto slog levels.
// Unknown or empty values fall back to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
