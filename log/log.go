// Package log builds the zap loggers used by collaboration nodes and offers
// a few field helpers shared by all packages.
package log

import (
	"fmt"
	"io"
	"os"

	lp2plog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ConsoleEncoder writes human readable lines.
	ConsoleEncoder = "console"
	// JSONEncoder writes one json object per line.
	JSONEncoder = "json"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

// Config for the process logger.
type Config struct {
	Level   string `mapstructure:"level"`
	Encoder string `mapstructure:"encoder"`
	// P2PLevel is applied to libp2p subsystems that log through go-log.
	P2PLevel string `mapstructure:"p2p-level"`
}

// DefaultConfig returns info level console logging.
func DefaultConfig() Config {
	return Config{
		Level:    zapcore.InfoLevel.String(),
		Encoder:  ConsoleEncoder,
		P2PLevel: zapcore.WarnLevel.String(),
	}
}

func encoder(name string) (zapcore.Encoder, error) {
	switch name {
	case ConsoleEncoder, "":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	case JSONEncoder:
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown log encoder %q", name)
	}
}

// New creates the process logger and routes libp2p logs into the same core.
func New(name string, cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, lvl, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	enc, err := encoder(cfg.Encoder)
	if err != nil {
		return nil, lvl, err
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(logWriter), lvl)
	logger := zap.New(core).Named(name)

	p2pLevel, err := lp2plog.LevelFromString(cfg.P2PLevel)
	if err != nil {
		return nil, lvl, fmt.Errorf("parse p2p log level %q: %w", cfg.P2PLevel, err)
	}
	lp2plog.SetPrimaryCore(core)
	lp2plog.SetAllLoggers(p2pLevel)
	return logger, lvl, nil
}

// NewNop creates silent logger.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
