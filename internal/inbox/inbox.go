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

// Package inbox is the dedup guard between at-least-once delivery and
// at-most-once execution. All dedup in the system flows through MarkIfNew;
// the winner for a key proceeds, every other caller observes false.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Keyer is the slice of the store the inbox consumes.
type Keyer interface {
	InboxMarkIfNew(ctx context.Context, key string) (bool, error)
}

// Inbox wraps the store's dedup tombstones.
type Inbox struct {
	store Keyer
}

// New creates an inbox backed by s.
func New(s Keyer) *Inbox { return &Inbox{store: s} }

// MarkIfNew claims key. It returns true for exactly one caller across all
// processes sharing the store; a false return means another caller already
// executed (or is executing) the work behind the key.
func (i *Inbox) MarkIfNew(ctx context.Context, key string) (bool, error) {
	return i.store.InboxMarkIfNew(ctx, key)
}

// Key derives the dedup key for a step delivery:
// sha256(runID ":" stepName ":" canonicalJSON(inputs)) truncated to 12 hex
// characters. Callers may override it with an explicit idempotency key.
func Key(runID, stepName string, inputs map[string]any) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s", runID, stepName, CanonicalJSON(inputs)))
	return hex.EncodeToString(sum[:])[:12]
}

// CanonicalJSON renders a JSON-shaped value deterministically.
// encoding/json sorts map keys at every level, which is exactly the
// canonical ordering the key needs; array order is preserved.
func CanonicalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Inputs are decoded JSON by construction.
		panic(err)
	}
	return data
}
