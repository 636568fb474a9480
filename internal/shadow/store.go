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

// Package shadow is the locally-owned mirror of legacy casework data. Every
// row carries its legacy mapping (external id, last-seen legacy version,
// last sync time) plus fields only this system enriches.
//
// Two implementations share one merge policy: PGStore for production and
// MemStore for tests and the CLI's dry runs.
package shadow

import (
	"context"
	"errors"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("shadow entity not found")
	// ErrVersionConflict is returned when an optimistic write loses a race.
	ErrVersionConflict = errors.New("shadow entity version conflict")
	// ErrConflictDetected tags reconciliation conflicts in logs. It is
	// resolved by the field-level merge and never returned to callers.
	ErrConflictDetected = errors.New("legacy and local changes conflict")
	// ErrFrozen is returned when writing a suggestion whose message already
	// has a recorded decision.
	ErrFrozen = errors.New("suggestion is frozen by a recorded decision")
)

// Query selects rows of one entity type within an office. Where compares
// the text form of top-level fields for equality.
type Query struct {
	Type           models.EntityType
	Where          map[string]string
	IncludeDeleted bool
	// OrderByDesc names a field to sort by, most recent first; rows
	// without it sort last. Empty sorts by updated_at.
	OrderByDesc string
	Limit       int
}

// PageResult summarises one applied page.
type PageResult struct {
	Changes   []Change
	Watermark time.Time
}

// Count returns how many changes had the given outcome.
func (p PageResult) Count(o Outcome) int {
	n := 0
	for _, c := range p.Changes {
		if c.Outcome == o {
			n++
		}
	}
	return n
}

// Store is the shadow persistence contract.
type Store interface {
	// ApplyPage upserts a page of legacy records and advances the watermark
	// for (office, type) to at least watermark, atomically. If any record
	// fails, nothing is written and the watermark does not move.
	ApplyPage(ctx context.Context, officeID string, t models.EntityType, recs []models.Record, watermark time.Time) (PageResult, error)

	// UpsertFromLegacy applies a single legacy record. It is idempotent on
	// (office, type, external id).
	UpsertFromLegacy(ctx context.Context, officeID string, rec models.Record) (Change, error)

	// Watermark returns the last ingested legacy change time; zero if none.
	Watermark(ctx context.Context, officeID string, t models.EntityType) (time.Time, error)

	Get(ctx context.Context, id string) (*models.Entity, error)
	GetByExternalID(ctx context.Context, officeID string, t models.EntityType, externalID string) (*models.Entity, error)
	List(ctx context.Context, officeID string, q Query) ([]*models.Entity, error)

	// CreatePending inserts a locally-created row with no legacy mapping.
	CreatePending(ctx context.Context, officeID string, t models.EntityType, fields map[string]any) (*models.Entity, error)

	// MarkPendingSync applies an optimistic local change if the row is still
	// at expectedVersion, bumps its version and flags it pending_sync.
	MarkPendingSync(ctx context.Context, id string, expectedVersion int64, change map[string]any) (*models.Entity, error)

	// RecordSynced records a successful legacy write of the row as it was at
	// syncedVersion. pending_sync clears only if no newer local write exists.
	RecordSynced(ctx context.Context, id, externalID string, syncedVersion int64, rec *models.Record) (*models.Entity, error)

	// MarkSyncError leaves the row pending with a visible error.
	MarkSyncError(ctx context.Context, id, message string) error

	// Restore rolls a row back to snapshot if it is still at expectedVersion.
	Restore(ctx context.Context, snapshot *models.Entity, expectedVersion int64) error

	// Remove hard-deletes a row that never acquired a legacy mapping.
	Remove(ctx context.Context, id string) error

	// SoftDelete marks a row deleted, keeping its mapping.
	SoftDelete(ctx context.Context, id string, expectedVersion int64) (*models.Entity, error)

	// UpdateEnrichment merges shadow-owned fields without touching sync state.
	UpdateEnrichment(ctx context.Context, id string, fields map[string]any) error

	// ReferenceData returns the office's current case types, caseworkers
	// and tags, keyed by legacy id.
	ReferenceData(ctx context.Context, officeID string) (models.ReferenceData, error)
}

// CampaignStore persists shadow-only campaign records.
type CampaignStore interface {
	ListCampaigns(ctx context.Context, officeID string) ([]models.Campaign, error)
	CreateCampaign(ctx context.Context, c *models.Campaign) error
}

// SuggestionStore persists triage suggestions.
type SuggestionStore interface {
	// SaveSuggestion inserts s, replacing any undecided suggestion for the
	// same message. It fails with ErrFrozen once a decision exists.
	SaveSuggestion(ctx context.Context, s *models.TriageSuggestion) error
	GetSuggestion(ctx context.Context, id string) (*models.TriageSuggestion, error)
	SuggestionForMessage(ctx context.Context, officeID, messageID string) (*models.TriageSuggestion, error)
	// RecordDecision freezes the suggestion. It fails with ErrFrozen if a
	// decision was already recorded.
	RecordDecision(ctx context.Context, id string, d models.Decision, at time.Time) (*models.TriageSuggestion, error)
}

// referenceFromEntities builds office reference data from mirrored rows.
func referenceFromEntities(types, workers, tags []*models.Entity) models.ReferenceData {
	ref := models.ReferenceData{
		CaseTypes:   []models.RefItem{},
		Caseworkers: []models.RefItem{},
		Tags:        []models.RefItem{},
		Priorities:  append([]string(nil), models.Priorities...),
	}
	for _, e := range types {
		var ct models.CaseType
		if e.ExternalID == nil || e.Decode(&ct) != nil || ct.Retired {
			continue
		}
		ref.CaseTypes = append(ref.CaseTypes, models.RefItem{ID: *e.ExternalID, Name: ct.Name})
	}
	for _, e := range workers {
		var cw models.Caseworker
		if e.ExternalID == nil || e.Decode(&cw) != nil || !cw.Active {
			continue
		}
		ref.Caseworkers = append(ref.Caseworkers, models.RefItem{ID: *e.ExternalID, Name: cw.Name})
	}
	for _, e := range tags {
		var tg models.Tag
		if e.ExternalID == nil || e.Decode(&tg) != nil {
			continue
		}
		ref.Tags = append(ref.Tags, models.RefItem{ID: *e.ExternalID, Name: tg.Name})
	}
	return ref
}
