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

package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/casebridge/internal/acl"
	"github.com/bcem/casebridge/internal/models"
)

type watermarkKey struct {
	office string
	typ    models.EntityType
}

// MemStore is an in-memory Store, CampaignStore and SuggestionStore.
type MemStore struct {
	mu          sync.Mutex
	rows        map[string]*models.Entity
	watermarks  map[watermarkKey]time.Time
	campaigns   map[string][]models.Campaign
	suggestions map[string]*models.TriageSuggestion
	now         func() time.Time

	// failHook, when set, is consulted before each record of a page.
	failHook func(models.Record) error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		rows:        make(map[string]*models.Entity),
		watermarks:  make(map[watermarkKey]time.Time),
		campaigns:   make(map[string][]models.Campaign),
		suggestions: make(map[string]*models.TriageSuggestion),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailOn makes ApplyPage fail on records for which fn returns an error.
// Passing nil clears the hook.
func (m *MemStore) FailOn(fn func(models.Record) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failHook = fn
}

// Len returns the number of rows, including soft-deleted ones.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MemStore) ApplyPage(_ context.Context, officeID string, t models.EntityType, recs []models.Record, watermark time.Time) (PageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage writes so a failure leaves the store untouched.
	staged := make(map[string]*models.Entity)
	var result PageResult
	for _, rec := range recs {
		if rec.Type == "" {
			rec.Type = t
		}
		if m.failHook != nil {
			if err := m.failHook(rec); err != nil {
				return PageResult{}, fmt.Errorf("upsert %s %s: %w", t, rec.ExternalID, err)
			}
		}
		ch := m.upsertLocked(officeID, rec, staged)
		if ch.Outcome != OutcomeUnchanged && ch.Outcome != OutcomeStale {
			staged[ch.Entity.ID] = ch.Entity
		}
		result.Changes = append(result.Changes, Change{Entity: ch.Entity.Clone(), Outcome: ch.Outcome, Conflicts: ch.Conflicts})
	}

	for id, e := range staged {
		m.rows[id] = e
	}
	for _, ch := range result.Changes {
		logConflict(officeID, ch)
	}

	key := watermarkKey{officeID, t}
	if watermark.After(m.watermarks[key]) {
		m.watermarks[key] = watermark
	}
	result.Watermark = m.watermarks[key]
	return result, nil
}

func (m *MemStore) UpsertFromLegacy(_ context.Context, officeID string, rec models.Record) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.upsertLocked(officeID, rec, nil)
	if ch.Outcome != OutcomeUnchanged && ch.Outcome != OutcomeStale {
		m.rows[ch.Entity.ID] = ch.Entity
	}
	logConflict(officeID, ch)
	return Change{Entity: ch.Entity.Clone(), Outcome: ch.Outcome, Conflicts: ch.Conflicts}, nil
}

// upsertLocked resolves rec against current rows overlaid with staged ones.
func (m *MemStore) upsertLocked(officeID string, rec models.Record, staged map[string]*models.Entity) Change {
	now := m.now()
	lookup := func(match func(*models.Entity) bool) *models.Entity {
		for _, e := range staged {
			if match(e) {
				return e
			}
		}
		for id, e := range m.rows {
			if _, shadowed := staged[id]; shadowed {
				continue
			}
			if match(e) {
				return e
			}
		}
		return nil
	}

	existing := lookup(func(e *models.Entity) bool {
		return e.OfficeID == officeID && e.Type == rec.Type && e.External() == rec.ExternalID
	})
	if existing != nil {
		return applyRecord(existing, rec, now)
	}

	// Unmapped pending rows are never matched here: RecordSynced folds
	// the duplicate once the legacy write confirms its id.
	return Change{Entity: newFromRecord(officeID, rec, now), Outcome: OutcomeInserted}
}

func (m *MemStore) Watermark(_ context.Context, officeID string, t models.EntityType) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[watermarkKey{officeID, t}], nil
}

func (m *MemStore) Get(_ context.Context, id string) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

func (m *MemStore) GetByExternalID(_ context.Context, officeID string, t models.EntityType, externalID string) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.rows {
		if e.OfficeID == officeID && e.Type == t && e.External() == externalID {
			return e.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, t, externalID)
}

func (m *MemStore) List(_ context.Context, officeID string, q Query) ([]*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Entity
	for _, e := range m.rows {
		if e.OfficeID != officeID || e.Type != q.Type {
			continue
		}
		if e.DeletedAt != nil && !q.IncludeDeleted {
			continue
		}
		if !matchesWhere(e, q.Where) {
			continue
		}
		out = append(out, e.Clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderByDesc != "" {
			a, aok := textValue(out[i].Fields[q.OrderByDesc])
			b, bok := textValue(out[j].Fields[q.OrderByDesc])
			if aok != bok {
				return aok
			}
			if a != b {
				return a > b
			}
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesWhere(e *models.Entity, where map[string]string) bool {
	for k, want := range where {
		got, ok := textValue(e.Fields[k])
		if !ok || got != want {
			return false
		}
	}
	return true
}

// textValue renders a field like Postgres' data->>'field'. ok is false for
// null or missing values.
func textValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (m *MemStore) CreatePending(_ context.Context, officeID string, t models.EntityType, fields map[string]any) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e := &models.Entity{
		ID:            uuid.NewString(),
		OfficeID:      officeID,
		Type:          t,
		Fields:        models.CopyFields(fields),
		Version:       1,
		PendingSync:   true,
		PendingFields: writableKeys(t, fields),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.NaturalKey = acl.NaturalKey(t, e.Fields)
	m.rows[e.ID] = e
	return e.Clone(), nil
}

func (m *MemStore) MarkPendingSync(_ context.Context, id string, expectedVersion int64, change map[string]any) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, id, e.Version, expectedVersion)
	}
	out := applyLocal(e, change, m.now())
	m.rows[id] = out
	return out.Clone(), nil
}

func (m *MemStore) RecordSynced(_ context.Context, id, externalID string, syncedVersion int64, rec *models.Record) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if externalID != "" {
		// A row the poller ingested first is folded into this one.
		for otherID, other := range m.rows {
			if otherID != id && other.OfficeID == e.OfficeID && other.Type == e.Type && other.External() == externalID {
				slog.Warn("folding duplicate shadow row into synced row",
					"office", e.OfficeID, "entity_type", e.Type, "external_id", externalID, "duplicate_id", otherID)
				e = carryEnrichment(e, other)
				delete(m.rows, otherID)
			}
		}
	}
	out := markSynced(e, externalID, syncedVersion, rec, m.now())
	m.rows[id] = out
	return out.Clone(), nil
}

func (m *MemStore) MarkSyncError(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := e.Clone()
	out.PendingSync = true
	out.SyncError = message
	out.UpdatedAt = m.now()
	m.rows[id] = out
	return nil
}

func (m *MemStore) Restore(_ context.Context, snapshot *models.Entity, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[snapshot.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, snapshot.ID)
	}
	if e.Version != expectedVersion {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, e.ID, e.Version, expectedVersion)
	}
	out := e.Clone()
	out.Fields = models.CopyFields(snapshot.Fields)
	out.NaturalKey = snapshot.NaturalKey
	out.PendingSync = snapshot.PendingSync
	out.PendingFields = append([]string(nil), snapshot.PendingFields...)
	out.SyncError = snapshot.SyncError
	out.DeletedAt = snapshot.DeletedAt
	out.Version++
	out.UpdatedAt = m.now()
	m.rows[e.ID] = out
	return nil
}

func (m *MemStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.ExternalID != nil {
		return fmt.Errorf("remove %s: row has legacy mapping %s", id, *e.ExternalID)
	}
	delete(m.rows, id)
	return nil
}

func (m *MemStore) SoftDelete(_ context.Context, id string, expectedVersion int64) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, id, e.Version, expectedVersion)
	}
	now := m.now()
	out := e.Clone()
	out.DeletedAt = &now
	out.Version++
	out.PendingSync = true
	out.UpdatedAt = now
	m.rows[id] = out
	return out.Clone(), nil
}

func (m *MemStore) UpdateEnrichment(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkEnrichment(e.Type, fields); err != nil {
		return err
	}
	out := e.Clone()
	for k, v := range fields {
		out.Fields[k] = v
	}
	out.UpdatedAt = m.now()
	m.rows[id] = out
	return nil
}

func (m *MemStore) ReferenceData(ctx context.Context, officeID string) (models.ReferenceData, error) {
	types, _ := m.List(ctx, officeID, Query{Type: models.EntityCaseType})
	workers, _ := m.List(ctx, officeID, Query{Type: models.EntityCaseworker})
	tags, _ := m.List(ctx, officeID, Query{Type: models.EntityTag})
	sortByName(types)
	sortByName(workers)
	sortByName(tags)
	return referenceFromEntities(types, workers, tags), nil
}

func sortByName(es []*models.Entity) {
	sort.SliceStable(es, func(i, j int) bool {
		a, _ := textValue(es[i].Fields["name"])
		b, _ := textValue(es[j].Fields["name"])
		return a < b
	})
}

// --- campaigns ---

func (m *MemStore) ListCampaigns(_ context.Context, officeID string) ([]models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Campaign(nil), m.campaigns[officeID]...), nil
}

func (m *MemStore) CreateCampaign(_ context.Context, c *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.campaigns[c.OfficeID] = append(m.campaigns[c.OfficeID], *c)
	return nil
}

// --- suggestions ---

func (m *MemStore) SaveSuggestion(_ context.Context, s *models.TriageSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.suggestions {
		if existing.OfficeID != s.OfficeID || existing.MessageID != s.MessageID {
			continue
		}
		if existing.DecidedAt != nil {
			return fmt.Errorf("%w: message %s", ErrFrozen, s.MessageID)
		}
		delete(m.suggestions, id)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	cp := *s
	m.suggestions[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSuggestion(_ context.Context, id string) (*models.TriageSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, fmt.Errorf("%w: suggestion %s", ErrNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) SuggestionForMessage(_ context.Context, officeID, messageID string) (*models.TriageSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.suggestions {
		if s.OfficeID == officeID && s.MessageID == messageID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: suggestion for message %s", ErrNotFound, messageID)
}

func (m *MemStore) RecordDecision(_ context.Context, id string, d models.Decision, at time.Time) (*models.TriageSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, fmt.Errorf("%w: suggestion %s", ErrNotFound, id)
	}
	if s.DecidedAt != nil {
		return nil, fmt.Errorf("%w: suggestion %s", ErrFrozen, id)
	}
	decided := at
	dec := d
	s.DecidedAt = &decided
	s.Decision = &dec
	cp := *s
	return &cp, nil
}
