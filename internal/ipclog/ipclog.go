// Package ipclog initializes structured logging for the ipcmesh daemon and
// its library packages, grounded on the teacher's common/go/logging: a
// console encoder with TTY-aware color level, configured from a leveled
// Config and returning a *zap.SugaredLogger.
package ipclog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the leveled logging configuration, loaded as part of the
// process config.
type Config struct {
	Level zapcore.Level `yaml:"level"`
}

// DefaultConfig returns an info-level logging configuration.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel}
}

// Init builds a SugaredLogger writing to stderr, with color levels enabled
// only when stderr is a terminal.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), zapCfg.Level, nil
}
