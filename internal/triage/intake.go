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

package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/casebridge/internal/dedup"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
)

// ErrNotTriageable is returned when a message cannot enter triage.
var ErrNotTriageable = errors.New("message is not triageable")

// Enqueuer is the part of the worker pool intake depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, nj queue.NewJob) (*models.Job, bool, error)
}

// Intake feeds inbound messages into the triage queue. Redis remembers which
// messages were already handed over; the job dedupe key covers the window
// where redis is unavailable.
type Intake struct {
	seen  dedup.Seen
	jobs  Enqueuer
	store shadow.Store
}

// NewIntake creates an intake. seen may be nil.
func NewIntake(seen dedup.Seen, jobs Enqueuer, store shadow.Store) *Intake {
	return &Intake{seen: seen, jobs: jobs, store: store}
}

// Observe is the poller's hook for newly mirrored inbound emails.
func (in *Intake) Observe(ctx context.Context, officeID string, e *models.Entity) error {
	if !triageable(e) {
		return nil
	}
	var m models.Message
	if err := e.Decode(&m); err != nil {
		return fmt.Errorf("decode message %s: %w", e.ID, err)
	}
	if m.Actioned || (m.TriageStatus != nil && *m.TriageStatus != models.TriagePending) {
		return nil
	}

	key := dedup.Key(officeID, e.ID)
	if in.seen != nil {
		isNew, err := in.seen.IsNew(ctx, key)
		if err != nil {
			slog.Warn("triage dedup unavailable, relying on job dedupe",
				"office", officeID, "message_id", e.ID, "error", err)
		} else if !isNew {
			slog.Debug("message already handed to triage", "office", officeID, "message_id", e.ID)
			return nil
		}
	}

	if _, _, err := in.enqueue(ctx, officeID, e.ID); err != nil {
		if in.seen != nil {
			if ferr := in.seen.Forget(ctx, key); ferr != nil {
				slog.Warn("failed to forget triage dedup key", "key", key, "error", ferr)
			}
		}
		return err
	}
	return nil
}

// Submit enqueues triage for a message on request. A live job for the same
// message is returned instead of creating a second one.
func (in *Intake) Submit(ctx context.Context, officeID, messageID string) (*models.Job, bool, error) {
	e, err := in.store.Get(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if e.OfficeID != officeID {
		return nil, false, fmt.Errorf("%w: %s", shadow.ErrNotFound, messageID)
	}
	if !triageable(e) {
		return nil, false, fmt.Errorf("%w: %s is not an inbound email", ErrNotTriageable, messageID)
	}
	return in.enqueue(ctx, officeID, e.ID)
}

func (in *Intake) enqueue(ctx context.Context, officeID, messageID string) (*models.Job, bool, error) {
	job, created, err := in.jobs.Enqueue(ctx, queue.NewJob{
		Kind:      models.KindTriageProcess,
		OfficeID:  officeID,
		Payload:   Payload{MessageID: messageID},
		DedupeKey: messageID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue triage for %s: %w", messageID, err)
	}
	if created {
		if err := in.store.UpdateEnrichment(ctx, messageID, map[string]any{
			models.FieldTriageStatus: models.TriagePending,
		}); err != nil {
			slog.Warn("failed to mark message pending triage", "message_id", messageID, "error", err)
		}
		slog.Info("triage enqueued", "office", officeID, "message_id", messageID, "job_id", job.ID)
	}
	return job, created, nil
}

func triageable(e *models.Entity) bool {
	return e.Type == models.EntityEmail && e.DeletedAt == nil &&
		e.Fields["direction"] == models.DirectionInbound
}
