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

// Command webserv is the entry point of spec.md §6's CLI: `webserv
// [config_path]`, defaulting to ./webserv.conf, exiting 0 normally (never
// reached under run-forever), 1 on an argument/config error, 2 on a startup
// I/O error (a listen or admin address that cannot be bound).
//
// Grounded on the teacher's cmd/main.go: GOMAXPROCS/GOMEMLIMIT are tuned for
// the container quota before anything else runs, a single cobra.Command is
// built, and the process exits with a distinguishable code on failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"golang.org/x/sync/errgroup"

	"github.com/hepple42/42-webserv/internal/wsconfig"
	"github.com/hepple42/42-webserv/internal/wslog"
	"github.com/hepple42/42-webserv/internal/wsmetrics"
	"github.com/hepple42/42-webserv/internal/wsreactor"
)

const (
	exitOK = iota
	exitArgs
	exitStartup
)

const defaultConfigPath = "webserv.conf"

func main() {
	os.Exit(run())
}

func run() int {
	var logLevel string

	logger, err := wslog.New(wslog.Config{Output: "stderr", Level: "info"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "webserv: building logger: %v\n", err)
		return exitStartup
	}
	defer logger.Sync()

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		logger.Warn("failed to set GOMEMLIMIT", zap.Error(err))
	}

	var (
		adminListen    string
		maxConnections int
		backlog        int
		cgiTimeoutSec  int
	)

	exitCode := exitOK
	root := &cobra.Command{
		Use:           "webserv [config_path]",
		Short:         "A single-threaded, event-driven HTTP/1.1 origin server",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := defaultConfigPath
			if len(args) == 1 {
				configPath = args[0]
			}

			if logLevel != "" {
				if lvlLogger, err := wslog.New(wslog.Config{Output: "stderr", Level: logLevel}); err == nil {
					logger = lvlLogger
				}
			}

			cfg, err := wsconfig.ParseFile(configPath)
			if err != nil {
				exitCode = exitArgs
				return fmt.Errorf("loading config %s: %w", configPath, err)
			}

			metrics := wsmetrics.New()

			reactor, err := wsreactor.New(cfg, logger, wsreactor.Options{
				MaxConnections: maxConnections,
				Backlog:        backlog,
				CGITimeout:     time.Duration(cgiTimeoutSec) * time.Second,
			}, metrics)
			if err != nil {
				exitCode = exitStartup
				return fmt.Errorf("starting reactor: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return reactor.Run(gctx)
			})

			if adminListen != "" {
				admin, err := wsmetrics.NewAdminServer(adminListen, metrics)
				if err != nil {
					exitCode = exitStartup
					return fmt.Errorf("starting admin endpoint: %w", err)
				}
				logger.Named("admin").Info("admin endpoint listening", zap.String("addr", admin.Addr()))
				g.Go(func() error {
					return admin.Serve(gctx)
				})
			}

			logger.Info("webserv starting", zap.String("config", configPath), zap.Int("listeners", len(cfg.ListenSet())))
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				exitCode = exitStartup
				return err
			}
			return nil
		},
	}

	root.Flags().StringVar(&adminListen, "admin-listen", "", "loopback address (e.g. 127.0.0.1:2019) to serve /metrics and /healthz on; empty disables it")
	root.Flags().IntVar(&maxConnections, "max-connections", wsreactor.DefaultMaxConnections, "connection slab size")
	root.Flags().IntVar(&backlog, "backlog", wsreactor.DefaultBacklog, "listen() backlog per socket")
	root.Flags().IntVar(&cgiTimeoutSec, "cgi-timeout", int(wsreactor.DefaultCGITimeout.Seconds()), "seconds a CGI child may run before being killed")
	root.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		logger.Error("webserv exiting", zap.Error(err))
		if exitCode == exitOK {
			exitCode = exitArgs
		}
		return exitCode
	}
	return exitOK
}
