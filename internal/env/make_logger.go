package env

import (
	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func MakeLogger(config *Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		return nil, err
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.Encoding = config.LogEncoding

	return logConfig.Build()
}
