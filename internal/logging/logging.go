// Package logging builds the process logger: zap production output, with
// optional size-capped file rotation.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
	defaultMaxAgeDays = 28
)

// Config configures the process logger. An empty FilePath logs to stderr.
type Config struct {
	FilePath   string
	Debug      bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger constructs a zap logger from configuration values.
func NewLogger(configuration Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if configuration.Debug {
		level = zapcore.DebugLevel
	}

	if configuration.FilePath == "" {
		loggerConfig := zap.NewProductionConfig()
		loggerConfig.Level = zap.NewAtomicLevelAt(level)
		return loggerConfig.Build()
	}

	maxSizeMB := configuration.MaxSizeMB
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	maxBackups := configuration.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	maxAgeDays := configuration.MaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}

	rotatingWriter := &lumberjack.Logger{
		Filename:   configuration.FilePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotatingWriter),
		level,
	)
	return zap.New(core), nil
}
