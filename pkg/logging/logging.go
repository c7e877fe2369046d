// Package logging builds the zap logger shared by the server and CLI.
package logging

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultMaxSizeMB = 100

// Config selects level and optional rotated file output
type Config struct {
	Level      string // debug, info, warn, error
	File       string // empty = stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing console-encoded lines to stderr and, when
// cfg.File is set, JSON lines to a lumberjack-rotated file. The returned
// cleanup flushes and closes the file.
func New(cfg Config) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevel()
	parsed := strings.ToLower(strings.TrimSpace(cfg.Level))
	if parsed == "" {
		parsed = "info"
	}
	if err := level.UnmarshalText([]byte(parsed)); err != nil {
		return nil, nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	var rotator *lumberjack.Logger
	if cfg.File != "" {
		if st, err := os.Stat(cfg.File); err == nil && st.IsDir() {
			return nil, nil, errors.Newf("log file %q is a directory", cfg.File)
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = defaultMaxSizeMB
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}
	return logger, cleanup, nil
}
