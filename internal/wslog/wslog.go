// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wslog builds the structured logger shared by every component of
// the server. It follows the shape of a conventional Caddy-style Logger
// (stderr/stdout/file, with rotation) but backs it with zap instead of the
// stdlib log.Logger. It attaches no request, connection or CGI ids to log
// lines.
package wslog

import (
	"os"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config controls where log output goes and how it rotates.
type Config struct {
	// Output is "stderr", "stdout", or a file path.
	Output string
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Rotation, only used when Output is a file path.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the process-wide logger. When Output is a terminal, a
// human-readable console encoder is used (mirroring the colourized console
// logging Caddy-style servers favour during interactive use); otherwise JSON
// is used, suitable for log aggregation.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var ws zapcore.WriteSyncer
	var useConsole bool

	switch cfg.Output {
	case "", "stderr":
		ws = zapcore.Lock(os.Stderr)
		useConsole = term.IsTerminal(int(os.Stderr.Fd()))
	case "stdout":
		ws = zapcore.Lock(os.Stdout)
		useConsole = term.IsTerminal(int(os.Stdout.Fd()))
	default:
		roller := &timberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		ws = zapcore.AddSync(roller)
		useConsole = false
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if useConsole {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, ws, level)
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
