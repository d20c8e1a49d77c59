// Package logging builds the process logger and the per-component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ComponentField is the field naming the component that wrote an event.
const ComponentField = "component"

// Options configures the process logger.
type Options struct {
	Level zerolog.Level
	JSON  bool
	Out   io.Writer // defaults to os.Stdout

	// File enables an additional rotating JSON log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Levels accepted in configuration files and on the command line.
var levels = map[string]zerolog.Level{
	"DEBUG":    zerolog.DebugLevel,
	"INFO":     zerolog.InfoLevel,
	"WARNING":  zerolog.WarnLevel,
	"WARN":     zerolog.WarnLevel,
	"ERROR":    zerolog.ErrorLevel,
	"CRITICAL": zerolog.FatalLevel,
}

// ParseLevel maps a level name such as "DEBUG" or "warning" to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	l, ok := levels[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	_, err := ParseLevel(s)
	return err == nil
}

// New creates the process logger.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var console io.Writer
	if opts.JSON {
		console = out
	} else {
		w := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
		w.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		console = w
	}

	writer := console
	if opts.File != "" {
		writer = zerolog.MultiLevelWriter(console, newRollingFile(opts))
	}

	return zerolog.New(writer).Level(opts.Level).With().Timestamp().Logger()
}

// Component derives a logger for the named component, e.g. "repo.offsite".
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(ComponentField, name).Logger()
}

func newRollingFile(opts Options) io.Writer {
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,  // megabytes
		MaxBackups: opts.MaxBackups, // files
		MaxAge:     opts.MaxAgeDays, // days
		Compress:   opts.Compress,
	}
}
