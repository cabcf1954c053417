// Package logging exposes the process-wide logger shared by every engine
// component. Callers that need request-scoped fields derive children with
// Logger.With.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the shared logger. Defaults to a production JSON logger at Info;
// HEDGE_LOG_LEVEL=debug switches to a development config for local runs.
var Logger = newDefault()

func newDefault() *zap.Logger {
	if os.Getenv("HEDGE_LOG_LEVEL") == "debug" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		logger, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

// SetLogger replaces the shared logger. Intended for embedders and tests.
func SetLogger(l *zap.Logger) {
	if l != nil {
		Logger = l
	}
}
