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

// Package backfill seeds a new office: it mirrors the legacy history of each
// entity type from the beginning, ignoring the page ceiling, and then queues
// triage for recent inbound email that has never been triaged.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/casebridge/internal/delta"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/shadow"
)

// BackfillRequest defines the scope of one backfill run.
type BackfillRequest struct {
	OfficeID string
	Types    []models.EntityType // empty means every mirrored type
	// TriageSince queues triage for untriaged inbound email received
	// within this window. Zero skips triage.
	TriageSince time.Duration
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	OfficeID     string
	TypeResults  []TypeResult
	TotalRecords int
	Triaged      int
	Skipped      int
	Elapsed      time.Duration
}

// TypeResult tracks per-type progress.
type TypeResult struct {
	Type     models.EntityType
	Pages    int
	Records  int
	Inserted int
	Updated  int
	Err      error
}

// Poller is the part of delta.Poller the runner drives.
type Poller interface {
	Backfill(ctx context.Context, officeID string, t models.EntityType) (delta.Result, error)
}

// Lister reads shadow rows.
type Lister interface {
	List(ctx context.Context, officeID string, q shadow.Query) ([]*models.Entity, error)
}

// Submitter enqueues triage for one message.
type Submitter interface {
	Submit(ctx context.Context, officeID, messageID string) (*models.Job, bool, error)
}

// Runner performs office backfill.
type Runner struct {
	poller    Poller
	store     Lister
	intake    Submitter
	typeDelay time.Duration // pause between entity types to leave rate budget for live traffic
	now       func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Poller    Poller
	Store     Lister
	Intake    Submitter
	TypeDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.TypeDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		poller:    cfg.Poller,
		store:     cfg.Store,
		intake:    cfg.Intake,
		typeDelay: delay,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run mirrors every requested type, then queues triage. A type that fails
// is recorded and the run continues with the next one.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := time.Now()
	types := req.Types
	if len(types) == 0 {
		types = models.SyncedEntityTypes
	}

	slog.Info("starting office backfill",
		"office", req.OfficeID,
		"types", len(types),
		"triage_since", req.TriageSince,
	)

	result := &BackfillResult{OfficeID: req.OfficeID}

	for i, t := range types {
		if i > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.typeDelay):
			}
		}

		res, err := r.poller.Backfill(ctx, req.OfficeID, t)
		tr := TypeResult{
			Type:     t,
			Pages:    res.Pages,
			Records:  res.Records,
			Inserted: res.Inserted,
			Updated:  res.Updated,
			Err:      err,
		}
		if err != nil {
			slog.Error("backfill failed for entity type",
				"office", req.OfficeID,
				"entity_type", t,
				"error", err,
			)
		}
		result.TypeResults = append(result.TypeResults, tr)
		result.TotalRecords += tr.Records
	}

	if req.TriageSince > 0 {
		triaged, skipped, err := r.queueTriage(ctx, req.OfficeID, r.now().Add(-req.TriageSince))
		result.Triaged, result.Skipped = triaged, skipped
		if err != nil {
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("queue triage: %w", err)
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("office backfill complete",
		"office", req.OfficeID,
		"records", result.TotalRecords,
		"triaged", result.Triaged,
		"skipped", result.Skipped,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// queueTriage submits inbound email received at or after since that has no
// triage status and has not been actioned.
func (r *Runner) queueTriage(ctx context.Context, officeID string, since time.Time) (triaged, skipped int, err error) {
	msgs, err := r.store.List(ctx, officeID, shadow.Query{
		Type:  models.EntityEmail,
		Where: map[string]string{"direction": models.DirectionInbound},
	})
	if err != nil {
		return 0, 0, err
	}

	for _, m := range msgs {
		if !untriaged(m) || !receivedSince(m, since) {
			skipped++
			continue
		}
		_, created, err := r.intake.Submit(ctx, officeID, m.ID)
		if err != nil {
			slog.Warn("backfill: triage submit failed", "message_id", m.ID, "error", err)
			skipped++
			continue
		}
		if created {
			triaged++
		} else {
			skipped++
		}
	}
	return triaged, skipped, nil
}

func untriaged(m *models.Entity) bool {
	if actioned, _ := m.Fields["actioned"].(bool); actioned {
		return false
	}
	status, _ := m.Fields[models.FieldTriageStatus].(string)
	return status == ""
}

func receivedSince(m *models.Entity, since time.Time) bool {
	raw, _ := m.Fields["received_at"].(string)
	if raw == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return !at.Before(since)
}
