package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	defaultLevel   = Warning
	defaultLevelMu sync.RWMutex
)

func init() {
	if lvl, ok := ParseLogLevel(os.Getenv("LOG_LEVEL")); ok {
		defaultLevel = lvl
	}
	localEnv := os.Getenv("LOCAL")
	if strings.EqualFold(localEnv, "true") || localEnv == "1" {
		defaultLevel = Debug
	}
}

// SetDefaultLogLevel changes the level used by loggers created afterwards
// without an explicit level.
func SetDefaultLogLevel(level LogLevel) {
	defaultLevelMu.Lock()
	defer defaultLevelMu.Unlock()
	defaultLevel = level
}

// ParseLogLevel maps names like "debug" or "warn" to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warning, true
	case "error":
		return Error, true
	case "critical", "fatal":
		return Critical, true
	default:
		return NotSet, false
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch {
	case l >= Critical:
		return zapcore.DPanicLevel
	case l >= Error:
		return zapcore.ErrorLevel
	case l >= Warning:
		return zapcore.WarnLevel
	case l >= Info:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Logger provides structured logging with context
type Logger struct {
	prefix string
	level  zap.AtomicLevel
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	defaultLevelMu.RLock()
	lvl := defaultLevel
	defaultLevelMu.RUnlock()
	if len(logLevel) > 0 {
		lvl = logLevel[0]
	}

	atom := zap.NewAtomicLevelAt(lvl.zapLevel())
	core := zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stdout), atom)
	return newLogger(prefix, atom, core)
}

// NewLoggerWithCore builds a logger on top of an existing zap core.
// The core decides what gets written; SetLogLevel still filters on top of it.
func NewLoggerWithCore(prefix string, core zapcore.Core) *Logger {
	atom := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return newLogger(prefix, atom, core)
}

func newLogger(prefix string, atom zap.AtomicLevel, core zapcore.Core) *Logger {
	filtered := &levelFilterCore{Core: core, level: atom}
	return &Logger{
		prefix: prefix,
		level:  atom,
		sugar:  zap.New(filtered).Named(prefix).Sugar(),
	}
}

func newEncoder() zapcore.Encoder {
	localEnv := os.Getenv("LOCAL")
	if strings.EqualFold(localEnv, "true") || localEnv == "1" {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.level.SetLevel(logLevel.zapLevel())
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.sugar.Warnw(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}

// With returns a child logger that always carries the given key/value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		level:  l.level,
		sugar:  l.sugar.With(keyvals...),
	}
}

// Sync flushes any buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// levelFilterCore applies the logger's atomic level in front of a core that
// may have been built with its own, lower threshold.
type levelFilterCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), level: c.level}
}

func (c *levelFilterCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.level.Enabled(ent.Level) {
		return ce
	}
	return c.Core.Check(ent, ce)
}
