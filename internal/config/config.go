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

// Package config loads daemon configuration from environment variables.
// The environment is read once at startup; components receive typed values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Driver names accepted for QUEUE_DRIVER and DATA_DRIVER.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Config holds the daemon configuration.
type Config struct {
	// WorkerConcurrency is the number of parallel step handlers per process.
	WorkerConcurrency int

	// StepTimeout caps a single tool execution attempt.
	StepTimeout time.Duration

	// StepMaxAttempts is the retry budget N for step deliveries.
	StepMaxAttempts int

	// StepBackoffBase is the base delay for exponential backoff.
	StepBackoffBase time.Duration

	// StepBackoffMax caps the computed backoff delay.
	StepBackoffMax time.Duration

	// QueueDriver selects the queue implementation (memory, redis).
	QueueDriver string

	// DataDriver selects the store implementation (memory, sqlite).
	DataDriver string

	// RedisAddr is the broker address for the redis queue driver.
	RedisAddr string

	// DBPath is the database file path for the sqlite store driver.
	DBPath string

	// BackpressureAge is how long the coordinator defers enqueueing
	// newly-ready steps while the ready topic is over depth.
	BackpressureAge time.Duration

	// BackpressureDepth is the waiting-count threshold that triggers deferral.
	BackpressureDepth int

	// DrainTimeout bounds how long shutdown waits for in-flight handlers.
	DrainTimeout time.Duration

	// HeartbeatInterval is how often workers advance their liveness marker.
	HeartbeatInterval time.Duration
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		WorkerConcurrency: 4,
		StepTimeout:       30 * time.Second,
		StepMaxAttempts:   4,
		StepBackoffBase:   500 * time.Millisecond,
		StepBackoffMax:    30 * time.Second,
		QueueDriver:       DriverMemory,
		DataDriver:        DriverMemory,
		RedisAddr:         "localhost:6379",
		DBPath:            "dispatch.db",
		BackpressureAge:   5 * time.Second,
		BackpressureDepth: 1000,
		DrainTimeout:      30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// FromEnv reads configuration from the environment on top of the defaults.
// Recognised variables:
//   - WORKER_CONCURRENCY
//   - STEP_TIMEOUT_MS, STEP_MAX_ATTEMPTS, STEP_BACKOFF_BASE_MS, STEP_BACKOFF_MAX_MS
//   - QUEUE_DRIVER (memory, redis), DATA_DRIVER (memory, sqlite)
//   - DISPATCH_REDIS_ADDR, DISPATCH_DB_PATH
//   - BACKPRESSURE_AGE_MS, BACKPRESSURE_DEPTH
//   - DRAIN_TIMEOUT_MS, HEARTBEAT_INTERVAL_MS
func FromEnv() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.WorkerConcurrency, err = intEnv("WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return nil, err
	}
	if cfg.StepTimeout, err = msEnv("STEP_TIMEOUT_MS", cfg.StepTimeout); err != nil {
		return nil, err
	}
	if cfg.StepMaxAttempts, err = intEnv("STEP_MAX_ATTEMPTS", cfg.StepMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.StepBackoffBase, err = msEnv("STEP_BACKOFF_BASE_MS", cfg.StepBackoffBase); err != nil {
		return nil, err
	}
	if cfg.StepBackoffMax, err = msEnv("STEP_BACKOFF_MAX_MS", cfg.StepBackoffMax); err != nil {
		return nil, err
	}
	if cfg.BackpressureAge, err = msEnv("BACKPRESSURE_AGE_MS", cfg.BackpressureAge); err != nil {
		return nil, err
	}
	if cfg.BackpressureDepth, err = intEnv("BACKPRESSURE_DEPTH", cfg.BackpressureDepth); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = msEnv("DRAIN_TIMEOUT_MS", cfg.DrainTimeout); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = msEnv("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}

	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		cfg.QueueDriver = v
	}
	if v := os.Getenv("DATA_DRIVER"); v != "" {
		cfg.DataDriver = v
	}
	if v := os.Getenv("DISPATCH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DISPATCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values and driver names.
func (c *Config) Validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	}
	if c.StepMaxAttempts < 1 {
		return fmt.Errorf("STEP_MAX_ATTEMPTS must be >= 1, got %d", c.StepMaxAttempts)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("STEP_TIMEOUT_MS must be > 0, got %s", c.StepTimeout)
	}
	if c.StepBackoffBase <= 0 || c.StepBackoffMax < c.StepBackoffBase {
		return fmt.Errorf("backoff bounds invalid: base=%s max=%s", c.StepBackoffBase, c.StepBackoffMax)
	}
	switch c.QueueDriver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver)
	}
	switch c.DataDriver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("unknown DATA_DRIVER %q", c.DataDriver)
	}
	return nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func msEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
