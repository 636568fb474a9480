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

package dualwrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/casebridge/internal/legacy"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
)

// writeJob is the payload of a legacy_write job. The job names the row, not
// the change: each attempt sends the row's pending state as it is then.
type writeJob struct {
	EntityID       string            `json:"entity_id"`
	Type           models.EntityType `json:"entity_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	Ambiguous      bool              `json:"ambiguous,omitempty"`
}

// writeProgress is the job output.
type writeProgress struct {
	Outcome    string `json:"outcome,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Ambiguous  bool   `json:"ambiguous,omitempty"`
}

// maxPasses bounds how often one attempt chases local writes that land
// while it is talking to legacy.
const maxPasses = 3

// Handle runs one attempt of a legacy_write job.
func (e *Engine) Handle(ctx context.Context, job *models.Job, checkpoint queue.Checkpoint) (any, error) {
	var p writeJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode legacy_write payload: %w", err))
	}
	var prev writeProgress
	if len(job.Output) > 0 {
		_ = json.Unmarshal(job.Output, &prev)
	}
	ambiguous := p.Ambiguous || prev.Ambiguous
	log := slog.With("job_id", job.ID, "office", job.OfficeID, "entity_type", p.Type, "entity_id", p.EntityID)

	for pass := 0; pass < maxPasses; pass++ {
		ent, err := e.store.Get(ctx, p.EntityID)
		if errors.Is(err, shadow.ErrNotFound) {
			log.Info("queued legacy write dropped, entity no longer exists")
			return writeProgress{Outcome: "entity_removed"}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load entity: %w", err)
		}
		if !ent.PendingSync {
			return writeProgress{Outcome: "already_synced", ExternalID: ent.External()}, nil
		}
		if ent.DeletedAt != nil && ent.ExternalID == nil {
			if err := e.store.Remove(ctx, ent.ID); err != nil && !errors.Is(err, shadow.ErrNotFound) {
				return nil, fmt.Errorf("remove unsynced entity: %w", err)
			}
			return writeProgress{Outcome: "entity_removed"}, nil
		}

		synced, err := e.sync(ctx, job.OfficeID, ent, p.IdempotencyKey, ambiguous)
		if err != nil {
			if errors.Is(err, legacy.ErrAmbiguous) && !ambiguous {
				ambiguous = true
				if cerr := checkpoint(ctx, writeProgress{Ambiguous: true}); cerr != nil {
					log.Warn("save legacy_write checkpoint failed", "error", cerr)
				}
			}
			return writeProgress{Ambiguous: ambiguous}, e.failed(ctx, job, ent, err)
		}
		ambiguous = false

		if !synced.PendingSync {
			log.Info("queued legacy write committed", "external_id", synced.External(), "attempt", job.AttemptCount)
			return writeProgress{Outcome: "committed", ExternalID: synced.External()}, nil
		}
		log.Debug("newer local write landed during sync, sending it too", "version", synced.Version)
	}
	return writeProgress{}, errors.New("entity kept changing during sync")
}

// failed records a failed attempt on the entity once no retry will follow.
func (e *Engine) failed(ctx context.Context, job *models.Job, ent *models.Entity, err error) error {
	reason := legacy.Reason(err)
	switch {
	case rejected(err):
		e.markError(ctx, ent.ID, "legacy rejected write: "+reason)
		slog.Error("queued legacy write rejected", "job_id", job.ID, "entity_id", ent.ID, "error", err)
		return queue.Permanent(err)

	case job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts:
		e.markError(ctx, ent.ID, fmt.Sprintf("legacy write failed after %d attempts: %s", job.AttemptCount, reason))
		return err

	case errors.Is(err, legacy.ErrAuthExpired):
		slog.Error("legacy session rejected after re-authentication",
			"job_id", job.ID, "office", job.OfficeID, "error", err)
	}
	return err
}

func (e *Engine) markError(ctx context.Context, id, message string) {
	if err := e.store.MarkSyncError(ctx, id, message); err != nil {
		slog.Error("record sync error failed", "entity_id", id, "error", err)
	}
}
