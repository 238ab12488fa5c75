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

package main

import (
	"context"
	"fmt"

	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/coordinator"
	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/gate"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/queue"
	queueredis "github.com/tombee/dispatch/internal/queue/redis"
	"github.com/tombee/dispatch/internal/store"
	storesqlite "github.com/tombee/dispatch/internal/store/sqlite"
)

// env bundles the handles one CLI invocation needs.
type env struct {
	cfg      *config.Config
	store    store.Store
	queue    queue.Queue
	recorder *events.Recorder
	coord    *coordinator.Coordinator
	gates    *gate.Engine
}

// openEnv builds store and queue handles from the daemon's configuration.
// The memory drivers are process-local and useless from a separate CLI
// process, so both are rejected here: a submission into a throwaway queue
// would leave the run's steps queued forever.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.DataDriver != config.DriverSQLite {
		return nil, fmt.Errorf("dispatchctl needs DATA_DRIVER=sqlite to share state with the daemon (got %q)", cfg.DataDriver)
	}
	if cfg.QueueDriver != config.DriverRedis {
		return nil, fmt.Errorf("dispatchctl needs QUEUE_DRIVER=redis to reach the daemon's queue (got %q)", cfg.QueueDriver)
	}

	s, err := storesqlite.New(storesqlite.Config{Path: cfg.DBPath, WAL: true})
	if err != nil {
		return nil, err
	}

	policy := queue.RetryPolicy{
		BaseDelay:   cfg.StepBackoffBase,
		MaxBackoff:  cfg.StepBackoffMax,
		MaxAttempts: cfg.StepMaxAttempts,
	}
	q, err := queueredis.New(ctx, queueredis.Options{Addr: cfg.RedisAddr, Policy: policy})
	if err != nil {
		s.Close()
		return nil, err
	}

	logger := log.New(log.FromEnv())
	recorder := events.NewRecorder(s)
	coord := coordinator.New(s, q, recorder, nil, logger, coordinator.Options{})
	gates := gate.New(s, recorder, logger)
	gates.SetNotifier(coord)

	return &env{
		cfg:      cfg,
		store:    s,
		queue:    q,
		recorder: recorder,
		coord:    coord,
		gates:    gates,
	}, nil
}

// Close releases the handles.
func (e *env) Close() {
	e.queue.Close()
	e.store.Close()
}
