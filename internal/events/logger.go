package events

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/TheMichaelB/tasksync/internal/config"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured logging on top of zap.
type Logger struct {
	z *zap.Logger
}

// NewLogger creates a logger from config.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	var output io.Writer = os.Stdout
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
	}

	return newLogger(ParseLevel(cfg.Level), cfg.Format, output, true), nil
}

// NewTestLogger creates a logger for testing.
func NewTestLogger(level LogLevel, format string, output io.Writer) *Logger {
	return newLogger(level, format, output, false)
}

// NewFromZap wraps an existing zap logger, e.g. an observer core in tests.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return &Logger{z: zap.NewNop()}
}

func newLogger(level LogLevel, format string, output io.Writer, withCaller bool) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		CallerKey:      "caller",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}
	if !withCaller {
		encCfg.CallerKey = zapcore.OmitKey
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = bracketLevelEncoder(isTerminal(output))
		encCfg.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(output), zapLevel(level))

	opts := []zap.Option{}
	if withCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	return &Logger{z: zap.New(core, opts...)}
}

// Zap exposes the underlying zap logger for libraries that take one.
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{z: l.Zap().With(zap.Any(key, value))}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}

	return &Logger{z: l.Zap().With(zf...)}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{z: l.Zap().With(zap.Error(err))}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) {
	l.Zap().Debug(msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string) {
	l.Zap().Info(msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string) {
	l.Zap().Warn(msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string) {
	l.Zap().Error(msg)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.Zap().Sync()
}

// Helper functions

// ParseLevel maps a config level name to a LogLevel. Unknown names are info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func zapLevel(l LogLevel) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// bracketLevelEncoder renders "[INFO]", colored when writing to a terminal.
func bracketLevelEncoder(color bool) zapcore.LevelEncoder {
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := strings.ToUpper(level.String())
		if !color {
			enc.AppendString("[" + name + "]")
			return
		}

		var code string
		switch level {
		case zapcore.DebugLevel:
			code = "\033[36m"
		case zapcore.InfoLevel:
			code = "\033[32m"
		case zapcore.WarnLevel:
			code = "\033[33m"
		default:
			code = "\033[31m"
		}
		enc.AppendString(code + "[" + name + "]\033[0m")
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
