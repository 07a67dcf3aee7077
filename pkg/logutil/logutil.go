// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the global logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error, panic, fatal.
	Level string `toml:"level"`
	// Format is console or json.
	Format string `toml:"format"`
	// Filename enables a rotating file sink when non-empty.
	Filename string `toml:"filename"`
	// MaxSize is the max size in MB of a log file before rotation.
	MaxSize int `toml:"max-size"`
	// MaxDays is the max days to retain old log files.
	MaxDays int `toml:"max-days"`
	// MaxBackups is the max number of old log files to retain.
	MaxBackups int `toml:"max-backups"`
}

func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.MaxSize == 0 {
		c.MaxSize = 512
	}
	if c.MaxDays == 0 {
		c.MaxDays = 7
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 10
	}
}

var globalLogger atomic.Value

// SetupLogger builds the global logger from cfg.  Called once at process
// start; later calls replace the logger atomically.
func SetupLogger(cfg *LogConfig) {
	c := *cfg
	c.SetDefaults()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if c.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if c.Filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.Filename,
			MaxSize:    c.MaxSize,
			MaxAge:     c.MaxDays,
			MaxBackups: c.MaxBackups,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.PanicLevel))
	globalLogger.Store(logger)
}

// GetGlobalLogger returns the process-wide logger, setting up a default
// one on first use.
func GetGlobalLogger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l.(*zap.Logger)
	}
	SetupLogger(&LogConfig{})
	return globalLogger.Load().(*zap.Logger)
}

// GetLogger returns a named logger for one module.
func GetLogger(name string) *zap.Logger {
	return GetGlobalLogger().Named(name)
}

// Adjust returns logger, or the global logger if logger is nil.
func Adjust(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	return GetGlobalLogger()
}

// Sync flushes buffered log entries.  Called on shutdown.
func Sync() {
	_ = GetGlobalLogger().Sync()
}
