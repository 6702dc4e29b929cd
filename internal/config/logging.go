package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildLogger constructs the process logger from the logging config. The
// returned AtomicLevel stays live: the config watcher retargets it when the
// file changes.
func (c *LoggingConfig) BuildLogger() (*zap.Logger, zap.AtomicLevel, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, zcfg.Level, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
