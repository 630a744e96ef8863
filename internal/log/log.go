// Copyright 2026 The Grov Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package log provides logging utilities.
package log

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	logger, _ = zap.NewDevelopment()
}

// Logger returns the global logger.
func Logger() *zap.Logger {
	return logger
}

// SetLogger sets the global logger.
func SetLogger(l *zap.Logger) {
	logger = l
}

// Setup builds the process logger. The console core carries operational
// diagnostics at Info (Debug when debug is set). With debug, a second JSON
// core appends structured REQUEST/RESPONSE/INJECTION entries to debugFile.
// The returned close func flushes and releases the file sink.
func Setup(debug bool, debugFile string) (func(), error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stderr), level),
	}

	var closeFile func()
	if debug && debugFile != "" {
		if err := os.MkdirAll(filepath.Dir(debugFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(debugFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.TimeKey = "ts"
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.Lock(f), zapcore.DebugLevel))
		closeFile = func() { _ = f.Close() }
	}

	SetLogger(zap.New(zapcore.NewTee(cores...)))

	return func() {
		_ = logger.Sync()
		if closeFile != nil {
			closeFile()
		}
	}, nil
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	logger.Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	logger.Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	logger.Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	logger.Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	logger.Fatal(msg, fields...)
}

// With returns a logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return logger.Sync()
}
