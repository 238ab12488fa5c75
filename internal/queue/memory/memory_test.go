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

package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/dispatch/internal/queue"
)

// fastPolicy keeps retries fast enough for tests.
func fastPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDeliver(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	err := q.Subscribe(ctx, "step.ready", func(_ context.Context, payload []byte) error {
		got.Store(string(payload))
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := q.Enqueue(ctx, "step.ready", []byte(`{"stepId":"stp_1"}`), 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return got.Load() != nil })
	// The delivered bytes carry the queue's attempt counter.
	if attempt := queue.Attempt([]byte(got.Load().(string))); attempt != 1 {
		t.Errorf("first delivery attempt = %d, want 1", attempt)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	err := q.Subscribe(ctx, "step.ready", func(_ context.Context, payload []byte) error {
		n := attempts.Add(1)
		if got := queue.Attempt(payload); int32(got) != n {
			t.Errorf("delivery %d carries attempt %d", n, got)
		}
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	}, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(ctx, "step.ready", []byte(`{"stepId":"stp_r"}`), 0); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return attempts.Load() == 3 })

	counts, err := q.Counts(ctx, "step.ready")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Completed != 1 || counts.Failed != 0 {
		t.Errorf("counts = %+v, want 1 completed, 0 failed", counts)
	}
}

func TestExhaustedBudgetDeadLetters(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	if err := q.Subscribe(ctx, "step.ready", func(context.Context, []byte) error {
		attempts.Add(1)
		return errors.New("still broken")
	}, 1); err != nil {
		t.Fatal(err)
	}

	original := []byte(`{"stepId":"stp_dlq"}`)
	if err := q.Enqueue(ctx, "step.ready", original, 0); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		counts, _ := q.Counts(ctx, "step.ready")
		return counts.Failed == 1
	})

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	// The DLQ preserves the original payload bytes, wrapper stripped.
	payloads, err := q.ListDLQ(ctx, "step.ready")
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 1 || string(payloads[0]) != string(original) {
		t.Errorf("DLQ = %q, want original payload", payloads)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	if err := q.Subscribe(ctx, "step.ready", func(context.Context, []byte) error {
		attempts.Add(1)
		return queue.Permanent(errors.New("unknown tool"))
	}, 1); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(ctx, "step.ready", []byte(`{"stepId":"stp_f"}`), 0); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		counts, _ := q.Counts(ctx, "step.ready")
		return counts.Failed == 1
	})
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retries after Permanent)", got)
	}
}

func TestExhaustedAtEntry(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx := context.Background()

	// A payload arriving with its counter already over budget is
	// dead-lettered without any delivery.
	payload := queue.WithAttempt([]byte(`{"stepId":"stp_x"}`), 4)
	if err := q.Enqueue(ctx, "step.ready", payload, 0); err != nil {
		t.Fatal(err)
	}

	counts, err := q.Counts(ctx, "step.ready")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Failed != 1 || counts.Waiting != 0 {
		t.Errorf("counts = %+v, want straight to DLQ", counts)
	}
}

func TestDelayedDelivery(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered atomic.Int32
	if err := q.Subscribe(ctx, "step.ready", func(context.Context, []byte) error {
		delivered.Add(1)
		return nil
	}, 1); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(ctx, "step.ready", []byte(`{}`), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	counts, _ := q.Counts(ctx, "step.ready")
	if counts.Delayed != 1 {
		t.Errorf("delayed = %d, want 1", counts.Delayed)
	}
	if delivered.Load() != 0 {
		t.Error("delivered before the delay elapsed")
	}

	waitFor(t, time.Second, func() bool { return delivered.Load() == 1 })
}

func TestRehydrateDLQ(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fail := atomic.Bool{}
	fail.Store(true)
	var successes atomic.Int32
	if err := q.Subscribe(ctx, "step.ready", func(context.Context, []byte) error {
		if fail.Load() {
			return queue.Permanent(errors.New("broken dependency"))
		}
		successes.Add(1)
		return nil
	}, 1); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(ctx, "step.ready", []byte(`{"stepId":"stp_re"}`), 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		counts, _ := q.Counts(ctx, "step.ready")
		return counts.Failed == 1
	})

	// Fix the condition, then move the payload back with a fresh budget.
	fail.Store(false)
	n, err := q.RehydrateDLQ(ctx, "step.ready", -1)
	if err != nil {
		t.Fatalf("RehydrateDLQ() error = %v", err)
	}
	if n != 1 {
		t.Errorf("rehydrated = %d, want 1", n)
	}

	waitFor(t, time.Second, func() bool { return successes.Load() == 1 })

	payloads, _ := q.ListDLQ(ctx, "step.ready")
	if len(payloads) != 0 {
		t.Errorf("DLQ still holds %d payloads", len(payloads))
	}
}

func TestConcurrencyLimit(t *testing.T) {
	q := New(fastPolicy())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inflight, peak atomic.Int32
	if err := q.Subscribe(ctx, "step.ready", func(context.Context, []byte) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}, 2); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		if err := q.Enqueue(ctx, "step.ready", []byte(`{}`), 0); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		counts, _ := q.Counts(ctx, "step.ready")
		return counts.Completed == 6
	})
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestClose(t *testing.T) {
	q := New(fastPolicy())
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.Enqueue(context.Background(), "step.ready", []byte(`{}`), 0); err != queue.ErrClosed {
		t.Errorf("Enqueue() after close = %v, want ErrClosed", err)
	}
}
