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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/casebridge/internal/automation"
	"github.com/bcem/casebridge/internal/lease"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
)

type fakeSender struct {
	mu   sync.Mutex
	reqs []automation.SendRequest
	err  error
}

func (f *fakeSender) SendEmail(_ context.Context, req automation.SendRequest) (*automation.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &automation.SendResult{MessageRef: fmt.Sprintf("sent-%d", len(f.reqs))}, nil
}

func newMessage() *models.OutboxMessage {
	return &models.OutboxMessage{
		OfficeID: "office-1",
		To:       "jane@example.org",
		Subject:  "Re: Housing disrepair",
		BodyHTML: "<p>We have raised this with the council.</p>",
		CaseID:   "case-1",
	}
}

func deliverJob(t *testing.T, id string, attempt, max int) *models.Job {
	t.Helper()
	payload, err := json.Marshal(Payload{OutboxID: id})
	require.NoError(t, err)
	return &models.Job{
		ID: "job-" + id, Kind: models.KindEmailDeliver, OfficeID: "office-1",
		Payload: payload, AttemptCount: attempt, MaxAttempts: max,
	}
}

func TestMemStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	m := newMessage()
	require.NoError(t, s.Insert(ctx, m))
	require.NotEmpty(t, m.ID)
	assert.Equal(t, models.OutboxPending, m.Status)

	stale, err := s.ListStale(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	require.NoError(t, s.MarkProcessing(ctx, m.ID))
	require.NoError(t, s.MarkFailed(ctx, m.ID, "bot unavailable", false, base.Add(time.Minute)))
	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, got.Status)
	assert.Contains(t, got.ErrorLog, "bot unavailable")
	assert.Nil(t, got.ProcessedAt)

	require.NoError(t, s.MarkSent(ctx, m.ID, base.Add(2*time.Minute)))
	got, err = s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, got.Status)

	listed, err := s.List(ctx, "office-1", models.OutboxSent, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
	listed, err = s.List(ctx, "office-2", "", 0)
	require.NoError(t, err)
	assert.Empty(t, listed)

	n, err := s.Purge(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Purge(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkSent(ctx, m.ID, base), ErrNotFound)
}

func TestOutbox_QueueSchedulesDelivery(t *testing.T) {
	ctx := context.Background()
	jobs := queue.NewMemStore()
	o := New(NewMemStore(), queue.NewPool(queue.PoolConfig{Store: jobs}))

	m, err := o.Queue(ctx, newMessage())
	require.NoError(t, err)

	n, err := o.Requeue(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	health, _, err := jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, health[models.KindEmailDeliver].Pending, "requeue must not duplicate the live job for %s", m.ID)

	_, err = o.Queue(ctx, &models.OutboxMessage{OfficeID: "office-1"})
	assert.Error(t, err)
}

func TestDeliverer_SendsAndMarksSent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	bot := &fakeSender{}
	l := lease.NewMemLease(nil)
	d := NewDeliverer(store, l, bot, "worker-1", time.Minute)

	m := newMessage()
	require.NoError(t, store.Insert(ctx, m))

	out, err := d.Handle(ctx, deliverJob(t, m.ID, 1, 5), nil)
	require.NoError(t, err)
	assert.Equal(t, deliverResult{Outcome: "sent", MessageRef: "sent-1"}, out)

	require.Len(t, bot.reqs, 1)
	assert.Equal(t, m.ID, bot.reqs[0].IdempotencyKey)
	assert.Equal(t, "case-1", bot.reqs[0].CaseRef)

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, got.Status)
	require.NotNil(t, got.ProcessedAt)

	current, err := l.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current, "lease must be released after the send")

	out, err = d.Handle(ctx, deliverJob(t, m.ID, 2, 5), nil)
	require.NoError(t, err)
	assert.Equal(t, deliverResult{Outcome: "already_sent"}, out)
	assert.Len(t, bot.reqs, 1)
}

func TestDeliverer_BusyLeasePostpones(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	bot := &fakeSender{}
	l := lease.NewMemLease(nil)
	d := NewDeliverer(store, l, bot, "worker-1", time.Minute)

	held, err := l.Acquire(ctx, "office-1", "caseworker-a", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, held.Granted)

	m := newMessage()
	require.NoError(t, store.Insert(ctx, m))

	_, err = d.Handle(ctx, deliverJob(t, m.ID, 1, 5), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, automation.ErrBusy)
	assert.False(t, queue.IsPermanent(err))
	assert.Empty(t, bot.reqs)

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, got.Status)

	current, err := l.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "caseworker-a", current.Holder)
}

func TestDeliverer_RejectedIsFinal(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	bot := &fakeSender{err: fmt.Errorf("%w: unknown recipient", automation.ErrRejected)}
	d := NewDeliverer(store, lease.NewMemLease(nil), bot, "worker-1", time.Minute)

	m := newMessage()
	require.NoError(t, store.Insert(ctx, m))

	_, err := d.Handle(ctx, deliverJob(t, m.ID, 1, 5), nil)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxFailed, got.Status)
	assert.Contains(t, got.ErrorLog, "unknown recipient")
}

func TestDeliverer_TransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	bot := &fakeSender{err: automation.ErrBotUnavailable}
	l := lease.NewMemLease(nil)
	d := NewDeliverer(store, l, bot, "worker-1", time.Minute)

	m := newMessage()
	require.NoError(t, store.Insert(ctx, m))

	_, err := d.Handle(ctx, deliverJob(t, m.ID, 1, 3), nil)
	require.ErrorIs(t, err, automation.ErrBotUnavailable)
	assert.False(t, queue.IsPermanent(err))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, got.Status)

	_, err = d.Handle(ctx, deliverJob(t, m.ID, 3, 3), nil)
	require.Error(t, err)
	got, err = store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxFailed, got.Status, "last attempt marks the row failed")

	bot.err = nil
	out, err := d.Handle(ctx, deliverJob(t, m.ID, 4, 5), nil)
	require.NoError(t, err)
	assert.Equal(t, deliverResult{Outcome: "already_failed"}, out)
}

func TestDeliverer_InvalidPayloadIsPermanent(t *testing.T) {
	d := NewDeliverer(NewMemStore(), lease.NewMemLease(nil), &fakeSender{}, "worker-1", 0)
	_, err := d.Handle(context.Background(), &models.Job{ID: "j", Payload: json.RawMessage(`{}`)}, nil)
	assert.True(t, queue.IsPermanent(err))

	out, err := d.Handle(context.Background(), deliverJob(t, "missing", 1, 5), nil)
	require.NoError(t, err)
	assert.Equal(t, deliverResult{Outcome: "message_removed"}, out)
}

func TestPGStore_Lifecycle(t *testing.T) {
	dsn := os.Getenv("CASEBRIDGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CASEBRIDGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := NewPGStore(ctx, pool)
	require.NoError(t, err)

	m := newMessage()
	m.OfficeID = "office-pg-" + time.Now().Format("150405.000000")
	require.NoError(t, s.Insert(ctx, m))

	require.NoError(t, s.MarkProcessing(ctx, m.ID))
	require.NoError(t, s.MarkFailed(ctx, m.ID, "first", false, time.Now()))
	require.NoError(t, s.MarkFailed(ctx, m.ID, "second", true, time.Now()))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxFailed, got.Status)
	assert.Contains(t, got.ErrorLog, "first")
	assert.Contains(t, got.ErrorLog, "second")
	require.NotNil(t, got.ProcessedAt)

	listed, err := s.List(ctx, m.OfficeID, "", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = s.Get(ctx, "no-such-row")
	assert.True(t, errors.Is(err, ErrNotFound))
}
