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

package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxBackoff: 30 * time.Second, MaxAttempts: 4}

	// Jitter scales by [0.5, 1.5), so check against the unjittered delay's
	// halved and 1.5x bounds.
	bounds := func(base time.Duration) (time.Duration, time.Duration) {
		return base / 2, time.Duration(float64(base) * 1.5)
	}

	for attempt, base := range map[int]time.Duration{
		1: 500 * time.Millisecond,
		2: time.Second,
		3: 2 * time.Second,
		4: 4 * time.Second,
	} {
		lo, hi := bounds(base)
		for i := 0; i < 20; i++ {
			got := p.Backoff(attempt)
			if got < lo || got >= hi {
				t.Errorf("Backoff(%d) = %s, want in [%s, %s)", attempt, got, lo, hi)
			}
		}
	}

	// The cap holds even with jitter headroom on deep attempts.
	lo, hi := bounds(30 * time.Second)
	for i := 0; i < 20; i++ {
		if got := p.Backoff(12); got < lo || got >= hi {
			t.Errorf("Backoff(12) = %s, want capped in [%s, %s)", got, lo, hi)
		}
	}
}

func TestAttemptRoundTrip(t *testing.T) {
	payload := []byte(`{"runId":"run_1","stepId":"stp_1"}`)

	if got := Attempt(payload); got != 1 {
		t.Errorf("Attempt() without counter = %d, want 1", got)
	}

	patched := WithAttempt(payload, 3)
	if got := Attempt(patched); got != 3 {
		t.Errorf("Attempt() after WithAttempt = %d, want 3", got)
	}

	// The counter is queue-internal wrapper state layered over the payload.
	if got := Attempt([]byte(`not json`)); got != 1 {
		t.Errorf("Attempt() on junk = %d, want 1", got)
	}
	if got := WithAttempt([]byte(`not json`), 2); string(got) != "not json" {
		t.Errorf("WithAttempt() on junk mutated the bytes: %q", got)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	base := errors.New("unknown tool")
	wrapped := Permanent(base)
	if !IsPermanent(wrapped) {
		t.Error("IsPermanent() = false for wrapped error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Permanent should unwrap to the original error")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent() = true for plain error")
	}
	if !IsPermanent(fmt.Errorf("handler: %w", wrapped)) {
		t.Error("IsPermanent() should see through further wrapping")
	}
}
