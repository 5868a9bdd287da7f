package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// Default to a production logger until SetGlobal is called
	globalLogger, _ = zap.NewProduction()
}

// Config controls logger construction.
type Config struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`             // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"` // rotation threshold
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
}

// ParseLevel maps a level string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a zap logger from config. When a file is configured, output is
// rotated with lumberjack; otherwise the production stderr config is used.
// The returned AtomicLevel allows live level changes on config reload.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.File == "" {
		zcfg := zap.NewProductionConfig()
		zcfg.EncoderConfig = encCfg
		zcfg.Level = level
		logger, err := zcfg.Build()
		return logger, level, err
	}

	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = 100
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core), level, nil
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return Global().With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	Global().Sync()
}

// Throttled rate-limits a log call site so a failing dependency cannot
// flood the log during an outage.
type Throttled struct {
	limiter *rate.Limiter
}

// NewThrottled creates a Throttled allowing perSecond entries per second
// with a burst of one.
func NewThrottled(perSecond float64) *Throttled {
	return &Throttled{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Warn logs at warn level if the throttle allows it; otherwise the entry
// is dropped.
func (t *Throttled) Warn(msg string, fields ...zap.Field) {
	if t.limiter.Allow() {
		Warn(msg, fields...)
	}
}
