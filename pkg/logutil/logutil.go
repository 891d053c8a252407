// Package logutil constructs the process-wide zap logger from config:
// console or JSON encoding, with an optional rotated file sink.
package logutil

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the log block of the service configuration.
type Config struct {
	Level      string `toml:"level"`       // debug|info|warn|error
	Format     string `toml:"format"`      // console|json
	Filename   string `toml:"filename"`    // empty means stderr only
	MaxSizeMB  int    `toml:"max-size-mb"`
	MaxBackups int    `toml:"max-backups"`
	MaxAgeDays int    `toml:"max-age-days"`
}

// New builds a *zap.Logger from cfg. A zero-value Config yields a
// sensible console-at-info default.
func New(cfg Config) (*zap.Logger, error) {
	level, err := getLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	encoder, err := getEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder, getSyncer(cfg), level)
	return zap.New(core, zap.AddCaller()), nil
}

// Adjust returns logger unchanged if non-nil, otherwise a bootstrap
// default, for constructors that accept an optional *zap.Logger.
func Adjust(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	l, _ := New(Config{})
	return l
}

func getLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logutil: invalid level %q: %w", level, err)
	}
	return l, nil
}

func getEncoder(format string) (zapcore.Encoder, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "", "console":
		return zapcore.NewConsoleEncoder(encCfg), nil
	case "json":
		return zapcore.NewJSONEncoder(encCfg), nil
	default:
		return nil, fmt.Errorf("logutil: unsupported log format %q", format)
	}
}

func getSyncer(cfg Config) zapcore.WriteSyncer {
	console := zapcore.AddSync(os.Stderr)
	if cfg.Filename == "" {
		return console
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 7),
	})
	return zapcore.NewMultiWriteSyncer(console, file)
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
