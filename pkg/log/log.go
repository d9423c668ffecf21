// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides verbosity-levelled logging on top of a zap logger.
// Packages call Logf with a level; messages above the global verbosity are dropped.
// Structured events go through Logger directly.
package log

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger    atomic.Pointer[zap.Logger]
	verbosity atomic.Int32
	nop       = zap.NewNop()
)

// Logger returns the process-wide logger. It never returns nil.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return nop
}

// SetLogger replaces the process-wide logger. A nil logger disables output.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

func SetVerbosity(v int) {
	verbosity.Store(int32(v))
}

// V reports whether messages at level v are emitted.
func V(v int) bool {
	return int32(v) <= verbosity.Load()
}

func Logf(v int, msg string, args ...any) {
	if !V(v) {
		return
	}
	Logger().Info(fmt.Sprintf(msg, args...))
}

func Errorf(msg string, args ...any) {
	Logger().Error(fmt.Sprintf(msg, args...))
}

// VerboseWriter forwards writes to Logf at the given level.
type VerboseWriter int

func (w VerboseWriter) Write(data []byte) (int, error) {
	Logf(int(w), "%s", data)
	return len(data), nil
}

// New builds the console logger used by the command line tools.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
