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

// Package queue defines the topic-keyed work distribution contract shared by
// the in-memory and redis drivers.
//
// Delivery is at-least-once; deduplication belongs to the inbox, not here.
// The queue governs retries on behalf of the worker: a handler error
// schedules the next delivery with exponential backoff, and a payload whose
// attempt counter exceeds the budget moves to {topic}.dlq with its original
// bytes preserved.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"
)

// ErrClosed is returned when operations are performed on a closed queue.
var ErrClosed = errors.New("queue is closed")

// AttemptField is the JSON field carrying the 1-based delivery attempt.
const AttemptField = "__attempt"

// DLQSuffix is appended to a topic to name its dead-letter queue.
const DLQSuffix = ".dlq"

// Handler processes one delivery. Returning nil acks the payload; returning
// an error schedules a retry (or a DLQ move once the budget is exhausted, or
// immediately for errors wrapped with Permanent).
type Handler func(ctx context.Context, payload []byte) error

// Counts is telemetry-only queue state. Business logic never consults it.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Queue is the work distribution contract.
type Queue interface {
	// Enqueue schedules delivery of payload on topic after delay (zero for
	// immediate). It returns once the payload is durably accepted. A payload
	// arriving with an exhausted attempt counter goes straight to the DLQ.
	Enqueue(ctx context.Context, topic string, payload []byte, delay time.Duration) error

	// Subscribe registers a consumer; up to concurrency handlers run in
	// parallel. A single logical consumer observes messages in enqueue
	// order. Subscribe returns immediately; handlers stop when ctx ends.
	Subscribe(ctx context.Context, topic string, handler Handler, concurrency int) error

	// ListDLQ returns the dead-letter payloads for topic, oldest first.
	ListDLQ(ctx context.Context, topic string) ([][]byte, error)

	// RehydrateDLQ re-enqueues up to max DLQ payloads with a fresh attempt
	// budget and returns the count moved.
	RehydrateDLQ(ctx context.Context, topic string, max int) (int, error)

	// Counts returns telemetry counters for topic.
	Counts(ctx context.Context, topic string) (Counts, error)

	// OldestAge returns the age of the oldest waiting payload, zero when
	// the topic is empty.
	OldestAge(ctx context.Context, topic string) (time.Duration, error)

	// Close stops background machinery. In-flight handlers finish.
	Close() error
}

// RetryPolicy governs backoff scheduling.
type RetryPolicy struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// MaxAttempts is the retry budget N; a payload is delivered at most
	// N times before moving to the DLQ.
	MaxAttempts int
}

// DefaultRetryPolicy mirrors the deployment defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		MaxAttempts: 4,
	}
}

// Backoff computes the delay before delivering attempt n+1:
// min(maxBackoff, baseDelay * 2^(n-1)) scaled by jitter in [0.5, 1.5).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << (attempt - 1)
	if delay > p.MaxBackoff || delay <= 0 {
		delay = p.MaxBackoff
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// permanentError marks a handler failure that must skip the retry budget.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue routes the payload to the DLQ without
// scheduling further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// Attempt extracts the attempt counter from a payload, defaulting to 1 for
// payloads that carry none.
func Attempt(payload []byte) int {
	var fields struct {
		Attempt int `json:"__attempt"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil || fields.Attempt < 1 {
		return 1
	}
	return fields.Attempt
}

// WithAttempt returns payload with its attempt counter set to n. The original
// bytes are left untouched; unparseable payloads are returned as-is.
func WithAttempt(payload []byte, n int) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	counter, err := json.Marshal(n)
	if err != nil {
		return payload
	}
	fields[AttemptField] = counter
	patched, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return patched
}
