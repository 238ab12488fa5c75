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

// Package daemon assembles the control plane from its parts: the store and
// queue drivers named by the configuration, the event recorder, the gate
// engine, the coordinator and the worker pool, wired together and torn down
// in order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/coordinator"
	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/gate"
	"github.com/tombee/dispatch/internal/inbox"
	"github.com/tombee/dispatch/internal/metrics"
	"github.com/tombee/dispatch/internal/queue"
	queuememory "github.com/tombee/dispatch/internal/queue/memory"
	queueredis "github.com/tombee/dispatch/internal/queue/redis"
	"github.com/tombee/dispatch/internal/store"
	storememory "github.com/tombee/dispatch/internal/store/memory"
	storesqlite "github.com/tombee/dispatch/internal/store/sqlite"
	"github.com/tombee/dispatch/internal/worker"
	"github.com/tombee/dispatch/pkg/tools"
)

// telemetryInterval is how often queue gauges are sampled.
const telemetryInterval = 10 * time.Second

// staleHeartbeat is the age past which a worker counts as gone.
const staleHeartbeat = 15 * time.Second

// Daemon is one assembled control-plane process.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	queue    queue.Queue
	recorder *events.Recorder
	gates    *gate.Engine
	coord    *coordinator.Coordinator
	worker   *worker.Worker
	metrics  *metrics.Metrics
	registry *tools.Registry

	cancel context.CancelFunc
}

// New builds a daemon from the configuration. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, registry *tools.Registry, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}

	s, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	policy := queue.RetryPolicy{
		BaseDelay:   cfg.StepBackoffBase,
		MaxBackoff:  cfg.StepBackoffMax,
		MaxAttempts: cfg.StepMaxAttempts,
	}
	q, err := openQueue(ctx, cfg, policy)
	if err != nil {
		s.Close()
		return nil, err
	}

	m := metrics.New()
	recorder := events.NewRecorder(s)
	gates := gate.New(s, recorder, logger.With(slog.String("component", "gate")))
	coord := coordinator.New(s, q, recorder, m,
		logger.With(slog.String("component", "coordinator")),
		coordinator.Options{
			BackpressureDepth: cfg.BackpressureDepth,
			BackpressureAge:   cfg.BackpressureAge,
		})
	gates.SetNotifier(coord)

	wrk := worker.New(s, q, recorder, registry, coord, inbox.New(s), m,
		logger.With(slog.String("component", "worker")),
		worker.Options{
			Concurrency:       cfg.WorkerConcurrency,
			StepTimeout:       cfg.StepTimeout,
			MaxAttempts:       cfg.StepMaxAttempts,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
	coord.SetCanceller(wrk)

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		queue:    q,
		recorder: recorder,
		gates:    gates,
		coord:    coord,
		worker:   wrk,
		metrics:  m,
		registry: registry,
	}, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.DataDriver {
	case config.DriverMemory:
		return storememory.New(), nil
	case config.DriverSQLite:
		logger.Info("opening sqlite store", slog.String("path", cfg.DBPath))
		return storesqlite.New(storesqlite.Config{Path: cfg.DBPath, WAL: true})
	default:
		return nil, fmt.Errorf("unknown DATA_DRIVER %q", cfg.DataDriver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config, policy queue.RetryPolicy) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case config.DriverMemory:
		return queuememory.New(policy), nil
	case config.DriverRedis:
		return queueredis.New(ctx, queueredis.Options{Addr: cfg.RedisAddr, Policy: policy})
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}
}

// Start begins consuming step deliveries and sampling queue telemetry.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	if err := d.worker.Start(ctx); err != nil {
		return err
	}
	go d.sampleTelemetry(ctx)
	d.logger.Info("daemon started",
		slog.String("queue_driver", d.cfg.QueueDriver),
		slog.String("data_driver", d.cfg.DataDriver))
	return nil
}

func (d *Daemon) sampleTelemetry(ctx context.Context) {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := d.queue.Counts(ctx, coordinator.TopicStepReady)
			if err != nil {
				continue
			}
			oldest, err := d.queue.OldestAge(ctx, coordinator.TopicStepReady)
			if err != nil {
				continue
			}
			d.metrics.ObserveQueue(coordinator.TopicStepReady, counts, oldest)
		}
	}
}

// Stop drains the daemon: consumers stop taking new deliveries and in-flight
// handlers get up to DrainTimeout to finish before resources are released.
func (d *Daemon) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan error, 1)
	go func() { done <- d.queue.Close() }()
	select {
	case err := <-done:
		if err != nil {
			d.logger.Warn("queue close failed", slog.Any("error", err))
		}
	case <-time.After(d.cfg.DrainTimeout):
		d.logger.Warn("drain timeout exceeded, abandoning in-flight handlers",
			slog.Duration("timeout", d.cfg.DrainTimeout))
	}

	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close failed", slog.Any("error", err))
		return err
	}
	d.logger.Info("daemon stopped")
	return nil
}

// Health reports process liveness: healthy while at least one worker
// heartbeat is fresh.
func (d *Daemon) Health(ctx context.Context) error {
	beats, err := d.store.ListHeartbeats(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, at := range beats {
		if now.Sub(at) < staleHeartbeat {
			return nil
		}
	}
	return fmt.Errorf("no live worker heartbeat within %s", staleHeartbeat)
}

// Coordinator exposes run lifecycle operations.
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }

// Gates exposes gate resolution operations.
func (d *Daemon) Gates() *gate.Engine { return d.gates }

// Store exposes read access to runs, steps and the event timeline.
func (d *Daemon) Store() store.Store { return d.store }

// Queue exposes DLQ inspection and rehydration.
func (d *Daemon) Queue() queue.Queue { return d.queue }

// Recorder exposes timeline snapshots and rollback.
func (d *Daemon) Recorder() *events.Recorder { return d.recorder }

// Metrics exposes the collector registry for exposition.
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }
