// Package logging builds the zap logger shared by the CLI and the daemon.
// Structured JSON lines go to reviewer.log in the data directory so failures
// can be inspected after a terminal closes; warnings and errors are echoed
// to stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing JSON to path and console output to stderr.
// With verbose set, both sinks log at debug level.
func New(path string, verbose bool) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}

	fileLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	consoleLevel := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		fileLevel.SetLevel(zapcore.DebugLevel)
		consoleLevel.SetLevel(zapcore.DebugLevel)
	}

	fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.TimeKey = ""
	consoleEnc := zapcore.NewConsoleEncoder(consoleCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(fileEnc, zapcore.AddSync(f), fileLevel),
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), consoleLevel),
	)
	return zap.New(core), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
