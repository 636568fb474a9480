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

package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

// MemLease is an in-process Leaser.
type MemLease struct {
	mu      sync.Mutex
	current *models.Lease
	now     func() time.Time
}

// NewMemLease creates a free in-memory lease. now may be nil.
func NewMemLease(now func() time.Time) *MemLease {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemLease{now: now}
}

func (m *MemLease) Acquire(_ context.Context, officeID, holder string, ttl time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c := m.current; c != nil && now.Before(c.ExpiresAt) {
		held := *c
		return Result{Holder: &held}, nil
	}
	if c := m.current; c != nil && !now.Before(c.ExpiresAt) {
		slog.Warn("reclaiming expired automation lease", "holder", c.Holder, "expired_at", c.ExpiresAt)
	}
	l := newLease(officeID, holder, now, ttlOrDefault(ttl))
	m.current = l
	granted := *l
	return Result{Granted: true, Lease: &granted}, nil
}

func (m *MemLease) Renew(_ context.Context, l *models.Lease, ttl time.Duration) (*models.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Token != l.Token {
		return nil, ErrLeaseLost
	}
	m.current.ExpiresAt = m.now().Add(ttlOrDefault(ttl))
	renewed := *m.current
	return &renewed, nil
}

func (m *MemLease) Release(_ context.Context, l *models.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Token == l.Token {
		m.current = nil
	}
	return nil
}

func (m *MemLease) Current(_ context.Context) (*models.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.now().Before(m.current.ExpiresAt) {
		return nil, nil
	}
	c := *m.current
	return &c, nil
}

func (m *MemLease) ForceRelease(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.current != nil && m.now().Before(m.current.ExpiresAt)
	m.current = nil
	return held, nil
}
