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
	"log/slog"
	"time"

	"github.com/bcem/casebridge/internal/automation"
	"github.com/bcem/casebridge/internal/lease"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
)

// Payload is the email_deliver job payload.
type Payload struct {
	OutboxID string `json:"outbox_id"`
}

// Enqueuer is the part of the worker pool the outbox depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, nj queue.NewJob) (*models.Job, bool, error)
}

// Outbox inserts rows and schedules their delivery.
type Outbox struct {
	store Store
	jobs  Enqueuer
}

// New creates an outbox service.
func New(store Store, jobs Enqueuer) *Outbox {
	return &Outbox{store: store, jobs: jobs}
}

// Queue stores m and enqueues its delivery. If the enqueue fails the row
// stays pending and Requeue picks it up later.
func (o *Outbox) Queue(ctx context.Context, m *models.OutboxMessage) (*models.OutboxMessage, error) {
	if m.To == "" {
		return nil, errors.New("outbox message has no recipient")
	}
	if err := o.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, m); err != nil {
		slog.Warn("outbox delivery not scheduled, will requeue", "outbox_id", m.ID, "error", err)
	}
	return m, nil
}

// Requeue schedules delivery for pending rows older than age. Rows whose
// job is still live are deduplicated by the queue.
func (o *Outbox) Requeue(ctx context.Context, age time.Duration) (int, error) {
	stale, err := o.store.ListStale(ctx, time.Now().UTC().Add(-age), 500)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stale {
		if err := o.enqueue(ctx, &stale[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Purge deletes finished rows older than retention.
func (o *Outbox) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return o.store.Purge(ctx, time.Now().UTC().Add(-retention))
}

func (o *Outbox) enqueue(ctx context.Context, m *models.OutboxMessage) error {
	_, _, err := o.jobs.Enqueue(ctx, queue.NewJob{
		Kind:      models.KindEmailDeliver,
		OfficeID:  m.OfficeID,
		Payload:   Payload{OutboxID: m.ID},
		DedupeKey: m.ID,
	})
	return err
}

// Sender is the bot call the deliverer makes.
type Sender interface {
	SendEmail(ctx context.Context, req automation.SendRequest) (*automation.SendResult, error)
}

// Deliverer is the email_deliver job handler. Each send holds the
// automation lease for its duration.
type Deliverer struct {
	store  Store
	lease  lease.Leaser
	bot    Sender
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// NewDeliverer creates the delivery handler. holder identifies this process
// in the lease row.
func NewDeliverer(store Store, l lease.Leaser, bot Sender, holder string, ttl time.Duration) *Deliverer {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Deliverer{
		store: store, lease: l, bot: bot, holder: holder, ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type deliverResult struct {
	Outcome    string `json:"outcome"`
	MessageRef string `json:"message_ref,omitempty"`
}

// Handle implements queue.Handler.
func (d *Deliverer) Handle(ctx context.Context, job *models.Job, _ queue.Checkpoint) (any, error) {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.OutboxID == "" {
		return nil, queue.Permanent(fmt.Errorf("invalid email_deliver payload: %s", job.Payload))
	}
	m, err := d.store.Get(ctx, p.OutboxID)
	if errors.Is(err, ErrNotFound) {
		return deliverResult{Outcome: "message_removed"}, nil
	}
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case models.OutboxSent:
		return deliverResult{Outcome: "already_sent"}, nil
	case models.OutboxFailed:
		return deliverResult{Outcome: "already_failed"}, nil
	}

	log := slog.With("job_id", job.ID, "office", m.OfficeID, "outbox_id", m.ID, "attempt", job.AttemptCount)

	res, err := d.lease.Acquire(ctx, m.OfficeID, d.holder+"/"+job.ID, d.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire automation lease: %w", err)
	}
	if !res.Granted {
		busy := &automation.BusyError{Holder: res.Holder}
		next := d.now().Add(30 * time.Second)
		if res.Holder != nil && res.Holder.ExpiresAt.After(next) {
			next = res.Holder.ExpiresAt
		}
		log.Info("delivery postponed", "reason", busy.Error(), "next_attempt_at", next)
		return nil, queue.RetryAt(busy, next)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.lease.Release(releaseCtx, res.Lease); err != nil {
			log.Error("failed to release automation lease", "error", err)
		}
	}()

	if err := d.store.MarkProcessing(ctx, m.ID); err != nil {
		return nil, err
	}

	sent, err := d.bot.SendEmail(ctx, automation.SendRequest{
		OfficeID:       m.OfficeID,
		To:             m.To,
		Subject:        m.Subject,
		BodyHTML:       m.BodyHTML,
		CaseRef:        m.CaseID,
		IdempotencyKey: m.ID,
	})
	if err != nil {
		final := errors.Is(err, automation.ErrRejected) ||
			(job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts)
		if merr := d.store.MarkFailed(ctx, m.ID, err.Error(), final, d.now()); merr != nil {
			log.Error("failed to record delivery failure", "error", merr)
		}
		if errors.Is(err, automation.ErrNotLoggedIn) {
			log.Error("bot needs an interactive login before email can be sent", "error", err)
		}
		if errors.Is(err, automation.ErrRejected) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	if err := d.store.MarkSent(ctx, m.ID, d.now()); err != nil {
		return nil, fmt.Errorf("record sent message: %w", err)
	}
	log.Info("outbound email sent", "message_ref", sent.MessageRef)
	return deliverResult{Outcome: "sent", MessageRef: sent.MessageRef}, nil
}
