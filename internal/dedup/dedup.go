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

// Package dedup remembers which inbound messages already entered triage so
// an overlapping poll or a re-delivered intake request does not start a
// second pipeline for the same message. The job queue's dedupe key is the
// durable guard; this filter keeps repeat intakes off the database.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a message key is remembered. The poller's
	// inclusive watermark only re-reads records within one poll interval.
	DefaultTTL = 72 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "casebridge:triage:"
)

// Seen is implemented by both filters.
type Seen interface {
	// IsNew reports whether key has not been seen, marking it seen if so.
	IsNew(ctx context.Context, key string) (bool, error)
	// Forget unmarks key so a failed intake can be retried.
	Forget(ctx context.Context, key string) error
}

// Key builds the dedup key for a message of an office.
func Key(officeID, messageID string) string {
	return officeID + ":" + messageID
}

// Filter tracks seen keys in Redis.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// IsNew returns true if key has NOT been seen before.
// If true, the key is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget removes key.
func (f *Filter) Forget(ctx context.Context, key string) error {
	if err := f.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// MemFilter is an in-process Seen for single-instance deployments and tests.
type MemFilter struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemFilter creates an in-memory filter.
func NewMemFilter(ttl time.Duration) *MemFilter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemFilter{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemFilter) IsNew(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)
	return true, nil
}

func (m *MemFilter) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}
