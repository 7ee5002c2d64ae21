// Package logtest builds loggers for tests.
package logtest

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// LevelEnv enables test output, for example TEST_LOG_LEVEL=debug.
const LevelEnv = "TEST_LOG_LEVEL"

// New writes through tb.Log when a level is passed or LevelEnv is set, and
// discards everything otherwise.
func New(tb testing.TB, override ...zapcore.Level) *zap.Logger {
	if len(override) > 0 {
		return zaptest.NewLogger(tb, zaptest.Level(override[0]))
	}
	env := os.Getenv(LevelEnv)
	if env == "" {
		return zap.NewNop()
	}
	level, err := zapcore.ParseLevel(env)
	if err != nil {
		tb.Fatalf("invalid %s: %v", LevelEnv, err)
	}
	return zaptest.NewLogger(tb, zaptest.Level(level))
}
