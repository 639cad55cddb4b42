package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide structured logger. Every component logs
// through a Logger tagged with its source name.
type Logger struct {
	zl     zerolog.Logger
	source string
}

// Config selects the level and the writers of a Logger.
type Config struct {
	Level      string   // debug, info, warn, error
	Writers    []string // console, file
	File       string
	MaxSizeMB  int
	MaxBackups int
	Silent     bool
}

// NewLogger creates a Logger from config. A nil config logs info and above
// to the console.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = &Config{Level: "info", Writers: []string{"console"}}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	if config.Silent {
		level = zerolog.Disabled
	}

	var writers []io.Writer
	for _, w := range config.Writers {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		case "file":
			if config.File == "" {
				continue
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   config.File,
				MaxSize:    orDefault(config.MaxSizeMB, 50),
				MaxBackups: orDefault(config.MaxBackups, 3),
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{zl: zl}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger whose entries carry the given source.
func (l *Logger) With(source string) *Logger {
	return &Logger{zl: l.zl.With().Str("source", source).Logger(), source: source}
}

// LogMessage logs a message with the specified level and source
func (l *Logger) LogMessage(level string, message string, source string) {
	var ev *zerolog.Event
	switch strings.ToUpper(level) {
	case "ERROR":
		ev = l.zl.Error()
	case "WARNING", "WARN":
		ev = l.zl.Warn()
	case "DEBUG":
		ev = l.zl.Debug()
	default:
		ev = l.zl.Info()
	}
	if source != "" && source != l.source {
		ev = ev.Str("source", source)
	}
	ev.Msg(message)
}

func (l *Logger) Debug(msg string, kv ...any) { l.zl.Debug().Fields(kv).Msg(msg) }
func (l *Logger) Info(msg string, kv ...any)  { l.zl.Info().Fields(kv).Msg(msg) }
func (l *Logger) Warn(msg string, kv ...any)  { l.zl.Warn().Fields(kv).Msg(msg) }
func (l *Logger) Error(msg string, kv ...any) { l.zl.Error().Fields(kv).Msg(msg) }

// Printf lets the logger back goproxy's Logger interface.
func (l *Logger) Printf(format string, v ...any) {
	l.zl.Debug().Msg(fmt.Sprintf(format, v...))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
