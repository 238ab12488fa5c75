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

// Package redis provides a broker-backed queue driver on top of Redis.
//
// Layout per topic: a ready list (RPUSH/BLPOP gives FIFO delivery), a
// delayed sorted set scored by ready-time promoted by a mover loop, a
// dead-letter list, and counters for completed/failed/active. Payloads
// travel inside a queue-internal envelope that rehydrate strips.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/dispatch/internal/queue"
)

// Compile-time interface assertion.
var _ queue.Queue = (*Queue)(nil)

// keyPrefix namespaces all queue keys in the shared Redis instance.
const keyPrefix = "dispatch:q:"

// moveInterval is how often the mover promotes due delayed payloads.
const moveInterval = 100 * time.Millisecond

// envelope is the queue-internal wrapper around a payload.
type envelope struct {
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is the Redis driver.
type Queue struct {
	client *redis.Client
	policy queue.RetryPolicy

	mu     sync.Mutex
	movers map[string]struct{}
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Options configures the driver.
type Options struct {
	// Addr is the Redis address (host:port).
	Addr string

	// Policy is the retry policy; zero value uses the defaults.
	Policy queue.RetryPolicy
}

// New connects to Redis and returns the driver.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = queue.DefaultRetryPolicy()
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &Queue{
		client: client,
		policy: opts.Policy,
		movers: make(map[string]struct{}),
		done:   make(chan struct{}),
	}, nil
}

func key(topic, part string) string { return keyPrefix + topic + ":" + part }

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	env := envelope{
		Payload:    append(json.RawMessage(nil), payload...),
		Attempt:    queue.Attempt(payload),
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	// Exhausted at entry: route straight to the DLQ without executing.
	if env.Attempt > q.policy.MaxAttempts {
		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, key(topic, "dlq"), data)
		pipe.Incr(ctx, key(topic, "failed"))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to dead-letter payload: %w", err)
		}
		return nil
	}

	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		if err := q.client.ZAdd(ctx, key(topic, "delayed"), redis.Z{Score: score, Member: data}).Err(); err != nil {
			return fmt.Errorf("failed to schedule delayed payload: %w", err)
		}
		q.ensureMover(topic)
		return nil
	}

	if err := q.client.RPush(ctx, key(topic, "ready"), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue payload: %w", err)
	}
	return nil
}

// ensureMover starts the delayed-promotion loop for topic once.
func (q *Queue) ensureMover(topic string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, running := q.movers[topic]; running {
		return
	}
	q.movers[topic] = struct{}{}
	q.wg.Add(1)
	go q.mover(topic)
}

func (q *Queue) mover(topic string) {
	defer q.wg.Done()
	ticker := time.NewTicker(moveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.promoteDue(topic)
		}
	}
}

// promoteDue moves due delayed payloads into the ready list.
func (q *Queue) promoteDue(topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, key(topic, "delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		// ZRem first so concurrent movers promote each payload once.
		removed, err := q.client.ZRem(ctx, key(topic, "delayed"), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.client.RPush(ctx, key(topic, "ready"), member)
	}
}

// Subscribe implements queue.Queue.
func (q *Queue) Subscribe(ctx context.Context, topic string, handler queue.Handler, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	q.mu.Unlock()

	q.ensureMover(topic)
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.consume(ctx, topic, handler)
	}
	return nil
}

func (q *Queue) consume(ctx context.Context, topic string, handler queue.Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		default:
		}

		res, err := q.client.BLPop(ctx, time.Second, key(topic, "ready")).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Broker hiccup; back off briefly rather than spinning.
			time.Sleep(time.Second)
			continue
		}
		// BLPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		q.handle(ctx, topic, []byte(res[1]), handler)
	}
}

func (q *Queue) handle(ctx context.Context, topic string, data []byte, handler queue.Handler) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Not ours; dead-letter it for inspection.
		q.client.RPush(ctx, key(topic, "dlq"), data)
		return
	}

	q.client.Incr(ctx, key(topic, "active"))
	err := handler(ctx, queue.WithAttempt(env.Payload, env.Attempt))
	q.client.Decr(ctx, key(topic, "active"))

	switch {
	case err == nil:
		q.client.Incr(ctx, key(topic, "completed"))
	case queue.IsPermanent(err) || env.Attempt >= q.policy.MaxAttempts:
		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, key(topic, "dlq"), data)
		pipe.Incr(ctx, key(topic, "failed"))
		pipe.Exec(ctx)
	default:
		delay := q.policy.Backoff(env.Attempt)
		env.Attempt++
		env.EnqueuedAt = time.Now().UTC()
		retry, merr := json.Marshal(env)
		if merr != nil {
			return
		}
		score := float64(time.Now().Add(delay).UnixMilli())
		q.client.ZAdd(ctx, key(topic, "delayed"), redis.Z{Score: score, Member: retry})
	}
}

// ListDLQ implements queue.Queue.
func (q *Queue) ListDLQ(ctx context.Context, topic string) ([][]byte, error) {
	members, err := q.client.LRange(ctx, key(topic, "dlq"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq: %w", err)
	}
	out := make([][]byte, 0, len(members))
	for _, member := range members {
		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			out = append(out, []byte(member))
			continue
		}
		out = append(out, env.Payload)
	}
	return out, nil
}

// RehydrateDLQ implements queue.Queue.
func (q *Queue) RehydrateDLQ(ctx context.Context, topic string, max int) (int, error) {
	moved := 0
	for max < 0 || moved < max {
		member, err := q.client.LPop(ctx, key(topic, "dlq")).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to pop dlq: %w", err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			env = envelope{Payload: json.RawMessage(member)}
		}
		env.Attempt = 1
		env.EnqueuedAt = time.Now().UTC()
		data, err := json.Marshal(env)
		if err != nil {
			return moved, err
		}
		if err := q.client.RPush(ctx, key(topic, "ready"), data).Err(); err != nil {
			return moved, fmt.Errorf("failed to rehydrate payload: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Counts implements queue.Queue.
func (q *Queue) Counts(ctx context.Context, topic string) (queue.Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, key(topic, "ready"))
	delayed := pipe.ZCard(ctx, key(topic, "delayed"))
	active := pipe.Get(ctx, key(topic, "active"))
	completed := pipe.Get(ctx, key(topic, "completed"))
	failed := pipe.Get(ctx, key(topic, "failed"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return queue.Counts{}, fmt.Errorf("failed to read counts: %w", err)
	}

	return queue.Counts{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Active:    atoi(active),
		Completed: atoi(completed),
		Failed:    atoi(failed),
	}, nil
}

func atoi(cmd *redis.StringCmd) int {
	n, err := cmd.Int()
	if err != nil {
		return 0
	}
	return n
}

// OldestAge implements queue.Queue.
func (q *Queue) OldestAge(ctx context.Context, topic string) (time.Duration, error) {
	member, err := q.client.LIndex(ctx, key(topic, "ready"), 0).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue head: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(member), &env); err != nil || env.EnqueuedAt.IsZero() {
		return 0, nil
	}
	return time.Since(env.EnqueuedAt), nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return q.client.Close()
}
