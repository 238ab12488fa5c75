// Copyright 2025 Tom Barlow
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

// dispatchd is the control-plane daemon: it consumes step deliveries, runs
// tools and maintains run state until signalled to drain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/pflag"

	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/daemon"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/pkg/tools"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		queueDriver = pflag.String("queue-driver", "", "Queue driver (memory, redis)")
		dataDriver  = pflag.String("data-driver", "", "Store driver (memory, sqlite)")
		redisAddr   = pflag.String("redis-addr", "", "Redis broker address (host:port)")
		dbPath      = pflag.String("db-path", "", "SQLite database path")
		concurrency = pflag.Int("concurrency", 0, "Parallel step handlers")
		stepTimeout = pflag.Duration("step-timeout", 0, "Per-attempt tool execution cap")
		showVersion = pflag.Bool("version", false, "Show version information")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("dispatchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	// Load daemon configuration
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *queueDriver != "" {
		cfg.QueueDriver = *queueDriver
	}
	if *dataDriver != "" {
		cfg.DataDriver = *dataDriver
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *concurrency > 0 {
		cfg.WorkerConcurrency = *concurrency
	}
	if *stepTimeout > 0 {
		cfg.StepTimeout = *stepTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create daemon instance with the built-in tool set
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		logger.Error("Failed to register builtin tools", slog.Any("error", err))
		os.Exit(1)
	}
	d, err := daemon.New(ctx, cfg, registry, logger)
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	if err := d.Start(ctx); err != nil {
		logger.Error("Failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, draining...\n", sig)
	cancel()

	start := time.Now()
	if err := d.Stop(); err != nil {
		logger.Error("Error during shutdown", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete", slog.Duration("drained_in", time.Since(start)))
}
