// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps charmbracelet/log with the small set of knobs the
// flow engine needs: level, output format, and an optional syslog fan-out.
package logging

import (
	"io"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Config configures a Logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// JSON selects structured JSON output instead of the default text format.
	JSON bool
	// Prefix is prepended to every message, e.g. the component name.
	Prefix string
	// Syslog optionally mirrors everything written to Writer to a remote
	// syslog collector.
	Syslog SyslogConfig
	// Writer is the primary sink. Defaults to os.Stderr.
	Writer io.Writer
}

// DefaultConfig returns the engine's default logging configuration: info
// level, text format, to stderr, syslog disabled.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		JSON:   false,
		Syslog: DefaultSyslogConfig(),
		Writer: os.Stderr,
	}
}

// Logger is the handle every constructor in this module takes instead of a
// bare io.Writer or the stdlib log package.
type Logger struct {
	base *charmlog.Logger
}

// New builds a Logger from cfg. A zero Config behaves like DefaultConfig().
func New(cfg Config) *Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	if cfg.Syslog.Enabled {
		if sw, err := NewSyslogWriter(cfg.Syslog); err == nil {
			w = io.MultiWriter(w, sw)
		}
	}

	opts := charmlog.Options{
		ReportTimestamp: true,
		Level:           parseLevel(cfg.Level),
		Prefix:          cfg.Prefix,
	}
	if cfg.JSON {
		opts.Formatter = charmlog.JSONFormatter
	}

	return &Logger{base: charmlog.NewWithOptions(w, opts)}
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	case "fatal":
		return charmlog.FatalLevel
	default:
		return charmlog.InfoLevel
	}
}

// With returns a derived Logger that always includes the given key/value
// pairs, mirroring charmbracelet/log's structured-field idiom.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{base: l.base.With(keyvals...)}
}

// Debug logs at debug level with structured key/value pairs.
func (l *Logger) Debug(msg any, keyvals ...any) { l.base.Debug(msg, keyvals...) }

// Info logs at info level with structured key/value pairs.
func (l *Logger) Info(msg any, keyvals ...any) { l.base.Info(msg, keyvals...) }

// Warn logs at warn level with structured key/value pairs.
func (l *Logger) Warn(msg any, keyvals ...any) { l.base.Warn(msg, keyvals...) }

// Error logs at error level with structured key/value pairs.
func (l *Logger) Error(msg any, keyvals ...any) { l.base.Error(msg, keyvals...) }

// Fatal logs at fatal level then terminates the process. Only init-path
// fatal errors should ever call this.
func (l *Logger) Fatal(msg any, keyvals ...any) { l.base.Fatal(msg, keyvals...) }
