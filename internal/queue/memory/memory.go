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

// Package memory provides an in-process queue driver for tests and local
// development. Delayed deliveries use timers; everything else is a mutex,
// per-topic FIFO slices and a wake-up signal channel.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/queue"
)

// Compile-time interface assertion.
var _ queue.Queue = (*Queue)(nil)

// message is one queued payload with its queue-internal wrapper state.
type message struct {
	original   []byte
	attempt    int
	enqueuedAt time.Time
}

type topicState struct {
	waiting   []*message
	dlq       []*message
	signal    chan struct{}
	delayed   int
	active    int
	completed int
	failed    int
}

// Queue is the in-memory driver.
type Queue struct {
	policy queue.RetryPolicy

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates an in-memory queue with the given retry policy.
func New(policy queue.RetryPolicy) *Queue {
	return &Queue{
		policy: policy,
		topics: make(map[string]*topicState),
		done:   make(chan struct{}),
	}
}

// topic returns (creating if needed) the state for name. Caller holds q.mu.
func (q *Queue) topic(name string) *topicState {
	t, ok := q.topics[name]
	if !ok {
		t = &topicState{signal: make(chan struct{}, 1)}
		q.topics[name] = t
	}
	return t
}

func (t *topicState) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(_ context.Context, topic string, payload []byte, delay time.Duration) error {
	msg := &message{
		original:   append([]byte(nil), payload...),
		attempt:    queue.Attempt(payload),
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}

	t := q.topic(topic)

	// Exhausted at entry: route straight to the DLQ without executing.
	if msg.attempt > q.policy.MaxAttempts {
		t.dlq = append(t.dlq, msg)
		t.failed++
		return nil
	}

	if delay > 0 {
		t.delayed++
		time.AfterFunc(delay, func() { q.promote(topic, msg) })
		return nil
	}

	t.waiting = append(t.waiting, msg)
	t.wake()
	return nil
}

// promote moves a delayed message into the waiting list.
func (q *Queue) promote(topic string, msg *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	t := q.topic(topic)
	t.delayed--
	msg.enqueuedAt = time.Now()
	t.waiting = append(t.waiting, msg)
	t.wake()
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
	t := q.topic(topic)
	q.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.consume(ctx, topic, t, handler)
	}
	return nil
}

func (q *Queue) consume(ctx context.Context, topic string, t *topicState, handler queue.Handler) {
	defer q.wg.Done()
	for {
		msg := q.pop(t)
		if msg == nil {
			// The signal channel can be drained by a sibling consumer, so
			// fall back to a short poll; it also covers delayed promotions.
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-t.signal:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		q.handle(ctx, topic, t, msg, handler)
	}
}

func (q *Queue) pop(t *topicState) *message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(t.waiting) == 0 {
		return nil
	}
	msg := t.waiting[0]
	t.waiting = t.waiting[1:]
	t.active++
	return msg
}

func (q *Queue) handle(ctx context.Context, topic string, t *topicState, msg *message, handler queue.Handler) {
	err := handler(ctx, queue.WithAttempt(msg.original, msg.attempt))

	q.mu.Lock()
	defer q.mu.Unlock()
	t.active--

	switch {
	case err == nil:
		t.completed++
	case queue.IsPermanent(err) || msg.attempt >= q.policy.MaxAttempts:
		t.dlq = append(t.dlq, msg)
		t.failed++
	default:
		delay := q.policy.Backoff(msg.attempt)
		msg.attempt++
		t.delayed++
		time.AfterFunc(delay, func() { q.promote(topic, msg) })
	}
}

// ListDLQ implements queue.Queue.
func (q *Queue) ListDLQ(_ context.Context, topic string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(topic)
	out := make([][]byte, 0, len(t.dlq))
	for _, msg := range t.dlq {
		out = append(out, append([]byte(nil), msg.original...))
	}
	return out, nil
}

// RehydrateDLQ implements queue.Queue.
func (q *Queue) RehydrateDLQ(_ context.Context, topic string, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}
	t := q.topic(topic)

	n := len(t.dlq)
	if max >= 0 && n > max {
		n = max
	}
	for i := 0; i < n; i++ {
		msg := t.dlq[i]
		msg.attempt = 1
		msg.enqueuedAt = time.Now()
		t.waiting = append(t.waiting, msg)
	}
	t.dlq = t.dlq[n:]
	if n > 0 {
		t.wake()
	}
	return n, nil
}

// Counts implements queue.Queue.
func (q *Queue) Counts(_ context.Context, topic string) (queue.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(topic)
	return queue.Counts{
		Waiting:   len(t.waiting),
		Active:    t.active,
		Completed: t.completed,
		Failed:    t.failed,
		Delayed:   t.delayed,
	}, nil
}

// OldestAge implements queue.Queue.
func (q *Queue) OldestAge(_ context.Context, topic string) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(topic)
	if len(t.waiting) == 0 {
		return 0, nil
	}
	return time.Since(t.waiting[0].enqueuedAt), nil
}

// Close implements queue.Queue. It stops consumers and waits for in-flight
// handlers to return.
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
	return nil
}
