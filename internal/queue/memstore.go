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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/casebridge/internal/models"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	lastClaim *time.Time
}

// NewMemStore creates an empty in-memory job store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*models.Job)}
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Output = append(json.RawMessage(nil), j.Output...)
	if len(c.Output) == 0 {
		c.Output = nil
	}
	return &c
}

func (m *MemStore) Enqueue(_ context.Context, nj NewJob) (*models.Job, bool, error) {
	payload, err := json.Marshal(nj.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s payload: %w", nj.Kind, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if nj.DedupeKey != "" {
		for _, j := range m.jobs {
			if j.Kind == nj.Kind && j.DedupeKey == nj.DedupeKey && !j.State.Terminal() {
				return cloneJob(j), false, nil
			}
		}
	}

	now := time.Now().UTC()
	runAt := nj.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	j := &models.Job{
		ID:            uuid.NewString(),
		Kind:          nj.Kind,
		OfficeID:      nj.OfficeID,
		Payload:       payload,
		State:         models.JobCreated,
		MaxAttempts:   nj.MaxAttempts,
		DedupeKey:     nj.DedupeKey,
		NextAttemptAt: runAt,
		CreatedAt:     now,
	}
	m.jobs[j.ID] = j
	return cloneJob(j), true, nil
}

func (m *MemStore) Claim(_ context.Context, workerID string, kinds []string, now, leaseUntil time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.State == models.JobActive && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			expireLease(j, now)
		}
	}

	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	var due []*models.Job
	for _, j := range m.jobs {
		if (j.State == models.JobCreated || j.State == models.JobRetry) &&
			!j.CancelRequested && !j.NextAttemptAt.After(now) && wanted[j.Kind] {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].NextAttemptAt.Equal(due[b].NextAttemptAt) {
			return due[a].NextAttemptAt.Before(due[b].NextAttemptAt)
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})

	j := due[0]
	started := now
	lease := leaseUntil
	j.State = models.JobActive
	j.WorkerID = workerID
	j.AttemptCount++
	j.StartedAt = &started
	j.LeaseExpiresAt = &lease
	m.lastClaim = &started
	return cloneJob(j), nil
}

// expireLease returns an abandoned active job to the queue.
func expireLease(j *models.Job, now time.Time) {
	j.WorkerID = ""
	j.LeaseExpiresAt = nil
	j.Error = "worker lease expired"
	switch {
	case j.CancelRequested:
		j.State = models.JobCancelled
		j.CompletedAt = &now
	case j.MaxAttempts > 0 && j.AttemptCount >= j.MaxAttempts:
		j.State = models.JobFailed
		j.CompletedAt = &now
	default:
		j.State = models.JobRetry
		j.NextAttemptAt = now
	}
}

// owned returns the job if workerID still holds it.
func (m *MemStore) owned(id, workerID string) (*models.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State != models.JobActive || j.WorkerID != workerID {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return j, nil
}

func (m *MemStore) Heartbeat(_ context.Context, id, workerID string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerID)
	if err != nil {
		return err
	}
	lease := leaseUntil
	j.LeaseExpiresAt = &lease
	return nil
}

func (m *MemStore) SaveProgress(_ context.Context, id, workerID string, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerID)
	if err != nil {
		return err
	}
	j.Output = append(json.RawMessage(nil), output...)
	return nil
}

func (m *MemStore) Finish(_ context.Context, id, workerID string, out Outcome, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerID)
	if err != nil {
		return nil, err
	}

	j.WorkerID = ""
	j.LeaseExpiresAt = nil
	if j.CancelRequested {
		j.State = models.JobCancelled
		j.CompletedAt = &now
		return cloneJob(j), nil
	}

	if out.Output != nil {
		j.Output = append(json.RawMessage(nil), out.Output...)
	}
	j.Error = out.Error
	j.State = out.State
	switch out.State {
	case models.JobRetry:
		j.NextAttemptAt = out.RunAt
	case models.JobCompleted, models.JobFailed:
		j.CompletedAt = &now
	default:
		return nil, fmt.Errorf("finish %s: invalid state %q", id, out.State)
	}
	return cloneJob(j), nil
}

func (m *MemStore) Cancel(_ context.Context, id string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch j.State {
	case models.JobCreated, models.JobRetry:
		j.State = models.JobCancelled
		j.CancelRequested = true
		j.CompletedAt = &now
	case models.JobActive:
		j.CancelRequested = true
	default:
		return cloneJob(j), fmt.Errorf("%w: %s is %s", ErrTerminal, id, j.State)
	}
	return cloneJob(j), nil
}

func (m *MemStore) Get(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneJob(j), nil
}

func (m *MemStore) Counts(_ context.Context) (map[string]models.KindHealth, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.KindHealth)
	for _, j := range m.jobs {
		h := out[j.Kind]
		switch j.State {
		case models.JobCreated:
			h.Pending++
		case models.JobRetry:
			h.Retry++
		case models.JobActive:
			h.Active++
		default:
			continue
		}
		out[j.Kind] = h
	}
	var last *time.Time
	if m.lastClaim != nil {
		t := *m.lastClaim
		last = &t
	}
	return out, last, nil
}

func (m *MemStore) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.State.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}
