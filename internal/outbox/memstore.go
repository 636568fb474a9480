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

package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/casebridge/internal/models"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]*models.OutboxMessage
	now  func() time.Time
}

// NewMemStore creates an empty in-memory outbox.
func NewMemStore() *MemStore {
	return &MemStore{
		rows: make(map[string]*models.OutboxMessage),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) Insert(_ context.Context, m *models.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Status = models.OutboxPending
	cp := *m
	s.rows[m.ID] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*models.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) List(_ context.Context, officeID, status string, limit int) ([]models.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxMessage
	for _, m := range s.rows {
		if m.OfficeID == officeID && (status == "" || m.Status == status) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]models.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxMessage
	for _, m := range s.rows {
		if m.Status == models.OutboxPending && m.CreatedAt.Before(cutoff) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) update(id string, fn func(m *models.OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(m)
	return nil
}

func (s *MemStore) MarkProcessing(_ context.Context, id string) error {
	return s.update(id, func(m *models.OutboxMessage) { m.Status = models.OutboxProcessing })
}

func (s *MemStore) MarkSent(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(m *models.OutboxMessage) {
		m.Status = models.OutboxSent
		m.ProcessedAt = &at
	})
}

func (s *MemStore) MarkFailed(_ context.Context, id, errMsg string, final bool, at time.Time) error {
	return s.update(id, func(m *models.OutboxMessage) {
		m.ErrorLog = appendLog(m.ErrorLog, errMsg, at)
		if final {
			m.Status = models.OutboxFailed
			m.ProcessedAt = &at
			return
		}
		m.Status = models.OutboxPending
	})
}

func (s *MemStore) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.rows {
		if (m.Status == models.OutboxSent || m.Status == models.OutboxFailed) &&
			m.ProcessedAt != nil && m.ProcessedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
