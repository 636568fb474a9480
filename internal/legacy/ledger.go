// Copyright (c) 2026 John Earle
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

package legacy

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewIdempotencyKey returns a fresh key for a non-idempotent legacy call.
// Keys are ULIDs so they sort by creation time in logs and job payloads.
func NewIdempotencyKey() string {
	return ulid.Make().String()
}

// ambiguityLedger remembers idempotency keys whose last attempt may have
// reached the legacy system. A key in the ledger is not resent until the
// caller reports that it reconciled the outcome by reading.
type ambiguityLedger struct {
	mu   sync.Mutex
	keys map[string]time.Time
	ttl  time.Duration
}

func newAmbiguityLedger(ttl time.Duration) *ambiguityLedger {
	return &ambiguityLedger{keys: make(map[string]time.Time), ttl: ttl}
}

func (l *ambiguityLedger) mark(key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, at := range l.keys {
		if now.Sub(at) > l.ttl {
			delete(l.keys, k)
		}
	}
	l.keys[key] = now
}

func (l *ambiguityLedger) blocked(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.keys[key]
	if !ok {
		return false
	}
	if now.Sub(at) > l.ttl {
		delete(l.keys, key)
		return false
	}
	return true
}

func (l *ambiguityLedger) clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}
