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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/casebridge/internal/models"
)

const office = "office-1"

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func caseRecord(ext string, at time.Time, fields map[string]any) models.Record {
	base := map[string]any{
		"constituent_ref":  "7",
		"case_type_ref":    "3",
		"status_ref":       "1",
		"assigned_to_ref":  "",
		"summary":          "Housing disrepair",
		"priority":         "medium",
		"tag_refs":         []any{},
		"review_date":      nil,
		"opened_at":        nil,
		"last_actioned_at": nil,
		"closed":           false,
		"classification":   nil,
	}
	for k, v := range fields {
		base[k] = v
	}
	return models.Record{
		Type:       models.EntityCase,
		ExternalID: ext,
		UpdatedAt:  at,
		Version:    at.Format(time.RFC3339Nano),
		Fields:     base,
	}
}

func TestUpsertFromLegacy_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	rec := caseRecord("42", t0, nil)

	first, err := s.UpsertFromLegacy(ctx, office, rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, first.Outcome)

	second, err := s.UpsertFromLegacy(ctx, office, rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, second.Outcome)
	assert.Equal(t, 1, s.Len())

	got, err := s.GetByExternalID(ctx, office, models.EntityCase, "42")
	require.NoError(t, err)
	if diff := cmp.Diff(first.Entity, got); diff != "" {
		t.Errorf("row changed on replay (-first +got):\n%s", diff)
	}
}

func TestApplyPage_FailureLeavesWatermarkAndRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	page := []models.Record{
		caseRecord("1", t0, map[string]any{"summary": "one"}),
		caseRecord("2", t0.Add(time.Minute), map[string]any{"summary": "two"}),
		caseRecord("3", t0.Add(2*time.Minute), map[string]any{"summary": "three"}),
	}
	mark := t0.Add(2 * time.Minute)

	s.FailOn(func(r models.Record) error {
		if r.ExternalID == "3" {
			return errors.New("connection reset")
		}
		return nil
	})
	_, err := s.ApplyPage(ctx, office, models.EntityCase, page, mark)
	require.Error(t, err)

	w, err := s.Watermark(ctx, office, models.EntityCase)
	require.NoError(t, err)
	assert.True(t, w.IsZero(), "watermark advanced past a failed page")
	assert.Equal(t, 0, s.Len(), "partial page was committed")

	s.FailOn(nil)
	res, err := s.ApplyPage(ctx, office, models.EntityCase, page, mark)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count(OutcomeInserted))
	assert.Equal(t, mark, res.Watermark)

	res, err = s.ApplyPage(ctx, office, models.EntityCase, page, mark)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count(OutcomeUnchanged))
	assert.Equal(t, 3, s.Len())
}

func TestApplyPage_WatermarkNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.ApplyPage(ctx, office, models.EntityTag, nil, t0.Add(time.Hour))
	require.NoError(t, err)
	res, err := s.ApplyPage(ctx, office, models.EntityTag, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), res.Watermark)

	other, err := s.Watermark(ctx, "office-2", models.EntityTag)
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestMerge_PendingSharedFieldKeepsLocal(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ins, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0, nil))
	require.NoError(t, err)
	require.NoError(t, s.UpdateEnrichment(ctx, ins.Entity.ID, map[string]any{"classification": "housing"}))

	local, err := s.MarkPendingSync(ctx, ins.Entity.ID, ins.Entity.Version, map[string]any{"summary": "Damp in bedroom"})
	require.NoError(t, err)
	require.True(t, local.PendingSync)
	assert.Equal(t, []string{"summary"}, local.PendingFields)

	// Legacy was edited concurrently: another summary and a new status.
	ch, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0.Add(time.Minute), map[string]any{
		"summary":    "Mould",
		"status_ref": "2",
		"priority":   "high",
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, ch.Outcome)
	assert.Equal(t, []string{"summary"}, ch.Conflicts)

	got, err := s.Get(ctx, ins.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "Damp in bedroom", got.Fields["summary"], "pending shared field is local")
	assert.Equal(t, "2", got.Fields["status_ref"], "legacy-owned field is legacy")
	assert.Equal(t, "high", got.Fields["priority"], "untouched shared field is legacy")
	assert.Equal(t, "housing", got.Fields["classification"], "shadow-owned field is local")
	assert.True(t, got.PendingSync)
	assert.Equal(t, local.Version, got.Version, "poller merges do not bump the local version")
}

func TestMerge_PendingWriteLandedClearsPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ins, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0, nil))
	require.NoError(t, err)
	_, err = s.MarkPendingSync(ctx, ins.Entity.ID, ins.Entity.Version, map[string]any{"priority": "urgent"})
	require.NoError(t, err)

	ch, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0.Add(time.Minute), map[string]any{"priority": "urgent"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, ch.Outcome)
	assert.False(t, ch.Entity.PendingSync)
	assert.Empty(t, ch.Entity.PendingFields)
}

func TestMerge_StaleRecordIgnored(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0.Add(time.Hour), map[string]any{"summary": "new"}))
	require.NoError(t, err)
	ch, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0, map[string]any{"summary": "old"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, ch.Outcome)

	got, err := s.GetByExternalID(ctx, office, models.EntityCase, "42")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Fields["summary"])
}

func TestMerge_LegacyDeleteSoftDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0, nil))
	require.NoError(t, err)
	gone := caseRecord("42", t0.Add(time.Minute), nil)
	gone.Deleted = true
	_, err = s.UpsertFromLegacy(ctx, office, gone)
	require.NoError(t, err)

	live, err := s.List(ctx, office, Query{Type: models.EntityCase})
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := s.List(ctx, office, Query{Type: models.EntityCase, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].DeletedAt)
	assert.Equal(t, "42", all[0].External(), "mapping survives soft delete")
}

func TestUpsert_SameNameLegacyRecordLeavesPendingRowAlone(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	pending, err := s.CreatePending(ctx, office, models.EntityConstituent, map[string]any{
		"first_name": "John",
		"last_name":  "Smith",
		"address":    "1 Mill Lane",
	})
	require.NoError(t, err)

	// A different John Smith already on the legacy side.
	ch, err := s.UpsertFromLegacy(ctx, office, models.Record{
		Type: models.EntityConstituent, ExternalID: "999", UpdatedAt: t0, Version: "v1",
		Fields: map[string]any{"first_name": "John", "last_name": "Smith", "title": "Rev", "address": "4 Church Road"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, ch.Outcome)
	assert.NotEqual(t, pending.ID, ch.Entity.ID)
	assert.Equal(t, 2, s.Len())

	got, err := s.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ExternalID)
	assert.True(t, got.PendingSync)
	assert.Equal(t, "1 Mill Lane", got.Fields["address"])
	if diff := cmp.Diff(pending, got); diff != "" {
		t.Errorf("pending row changed (-before +after):\n%s", diff)
	}
}

func TestRecordSynced_NewerLocalWriteStaysPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	e, err := s.CreatePending(ctx, office, models.EntityTag, map[string]any{"name": "Housing"})
	require.NoError(t, err)
	newer, err := s.MarkPendingSync(ctx, e.ID, e.Version, map[string]any{"name": "Housing (private)"})
	require.NoError(t, err)
	require.Equal(t, int64(2), newer.Version)

	got, err := s.RecordSynced(ctx, e.ID, "9", e.Version, nil)
	require.NoError(t, err)
	assert.Equal(t, "9", got.External())
	assert.True(t, got.PendingSync, "the v2 write has not reached legacy yet")

	got, err = s.RecordSynced(ctx, e.ID, "9", newer.Version, nil)
	require.NoError(t, err)
	assert.False(t, got.PendingSync)
	assert.NotNil(t, got.LastSyncedAt)
}

func TestRecordSynced_FoldsRowPolledFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	e, err := s.CreatePending(ctx, office, models.EntityTag, map[string]any{"name": "Benefits"})
	require.NoError(t, err)
	// The poller saw the created tag under a name the natural key does not match.
	_, err = s.UpsertFromLegacy(ctx, office, models.Record{
		Type: models.EntityTag, ExternalID: "11", UpdatedAt: t0, Version: "v1",
		Fields: map[string]any{"name": "Benefits & Tax"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	_, err = s.RecordSynced(ctx, e.ID, "11", e.Version, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	got, err := s.GetByExternalID(ctx, office, models.EntityTag, "11")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestRecordSynced_FoldKeepsEnrichmentOfPolledRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	local, err := s.CreatePending(ctx, office, models.EntityEmail, map[string]any{
		"direction": models.DirectionInbound,
		"subject":   "Noise complaint",
	})
	require.NoError(t, err)

	polled, err := s.UpsertFromLegacy(ctx, office, models.Record{
		Type: models.EntityEmail, ExternalID: "77", UpdatedAt: t0, Version: "v1",
		Fields: map[string]any{"direction": models.DirectionInbound, "subject": "Noise complaint"},
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateEnrichment(ctx, polled.Entity.ID, map[string]any{
		models.FieldTriageStatus: models.TriageSuggested,
		models.FieldSuggestionID: "sugg-1",
	}))

	got, err := s.RecordSynced(ctx, local.ID, "77", local.Version, nil)
	require.NoError(t, err)
	assert.Equal(t, local.ID, got.ID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, models.TriageSuggested, got.Fields[models.FieldTriageStatus])
	assert.Equal(t, "sugg-1", got.Fields[models.FieldSuggestionID])

	stored, err := s.GetByExternalID(ctx, office, models.EntityEmail, "77")
	require.NoError(t, err)
	assert.Equal(t, "sugg-1", stored.Fields[models.FieldSuggestionID])
}

func TestRecordSynced_FoldKeepsSurvivorEnrichment(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	local, err := s.CreatePending(ctx, office, models.EntityEmail, map[string]any{
		"direction":              models.DirectionInbound,
		"subject":                "Bins",
		models.FieldTriageStatus: models.TriageActioned,
	})
	require.NoError(t, err)
	polled, err := s.UpsertFromLegacy(ctx, office, models.Record{
		Type: models.EntityEmail, ExternalID: "78", UpdatedAt: t0, Version: "v1",
		Fields: map[string]any{"direction": models.DirectionInbound, "subject": "Bins"},
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateEnrichment(ctx, polled.Entity.ID, map[string]any{
		models.FieldTriageStatus: models.TriagePending,
		models.FieldCampaignID:   "camp-2",
	}))

	got, err := s.RecordSynced(ctx, local.ID, "78", local.Version, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TriageActioned, got.Fields[models.FieldTriageStatus])
	assert.Equal(t, "camp-2", got.Fields[models.FieldCampaignID])
}

func TestMarkPendingSync_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	e, err := s.CreatePending(ctx, office, models.EntityTag, map[string]any{"name": "A"})
	require.NoError(t, err)
	_, err = s.MarkPendingSync(ctx, e.ID, e.Version, map[string]any{"name": "B"})
	require.NoError(t, err)
	_, err = s.MarkPendingSync(ctx, e.ID, e.Version, map[string]any{"name": "C"})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestRestore_RollsBackOptimisticWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ins, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0, nil))
	require.NoError(t, err)
	snapshot := ins.Entity.Clone()
	local, err := s.MarkPendingSync(ctx, snapshot.ID, snapshot.Version, map[string]any{"priority": "urgent"})
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, snapshot, local.Version))
	got, err := s.Get(ctx, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, "medium", got.Fields["priority"])
	assert.False(t, got.PendingSync)
	assert.Greater(t, got.Version, local.Version)
}

func TestRemove_RefusesMappedRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ins, err := s.UpsertFromLegacy(ctx, office, caseRecord("42", t0, nil))
	require.NoError(t, err)
	assert.Error(t, s.Remove(ctx, ins.Entity.ID))

	p, err := s.CreatePending(ctx, office, models.EntityTag, map[string]any{"name": "X"})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, p.ID))
	_, err = s.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEnrichment_OnlyShadowFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ins, err := s.UpsertFromLegacy(ctx, office, models.Record{
		Type: models.EntityEmail, ExternalID: "500", UpdatedAt: t0, Version: "v1",
		Fields: map[string]any{"direction": "inbound", "subject": "Hello"},
	})
	require.NoError(t, err)

	assert.Error(t, s.UpdateEnrichment(ctx, ins.Entity.ID, map[string]any{"subject": "edited"}))
	require.NoError(t, s.UpdateEnrichment(ctx, ins.Entity.ID, map[string]any{models.FieldTriageStatus: models.TriageSuggested}))

	got, err := s.Get(ctx, ins.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TriageSuggested, got.Fields[models.FieldTriageStatus])
	assert.Equal(t, ins.Entity.Version, got.Version)
	assert.False(t, got.PendingSync)

	// A later poll keeps the enrichment.
	_, err = s.UpsertFromLegacy(ctx, office, models.Record{
		Type: models.EntityEmail, ExternalID: "500", UpdatedAt: t0.Add(time.Minute), Version: "v2",
		Fields: map[string]any{"direction": "inbound", "subject": "Hello", "actioned": true},
	})
	require.NoError(t, err)
	got, err = s.Get(ctx, ins.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TriageSuggested, got.Fields[models.FieldTriageStatus])
	assert.Equal(t, true, got.Fields["actioned"])
}

func TestList_WhereAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for _, r := range []models.Record{
		caseRecord("1", t0, map[string]any{"last_actioned_at": "2026-01-01T00:00:00Z"}),
		caseRecord("2", t0, map[string]any{"last_actioned_at": "2026-02-01T00:00:00Z"}),
		caseRecord("3", t0, map[string]any{"last_actioned_at": nil}),
		caseRecord("4", t0, map[string]any{"constituent_ref": "8"}),
		caseRecord("5", t0, map[string]any{"closed": true}),
	} {
		_, err := s.UpsertFromLegacy(ctx, office, r)
		require.NoError(t, err)
	}

	got, err := s.List(ctx, office, Query{
		Type:        models.EntityCase,
		Where:       map[string]string{"constituent_ref": "7", "closed": "false"},
		OrderByDesc: "last_actioned_at",
	})
	require.NoError(t, err)
	var ids []string
	for _, e := range got {
		ids = append(ids, e.External())
	}
	assert.Equal(t, []string{"2", "1", "3"}, ids)
}

func TestReferenceData(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	recs := []models.Record{
		{Type: models.EntityCaseType, ExternalID: "3", Version: "a", Fields: map[string]any{"name": "Housing", "retired": false}},
		{Type: models.EntityCaseType, ExternalID: "4", Version: "a", Fields: map[string]any{"name": "Benefits", "retired": false}},
		{Type: models.EntityCaseType, ExternalID: "5", Version: "a", Fields: map[string]any{"name": "Old", "retired": true}},
		{Type: models.EntityCaseworker, ExternalID: "20", Version: "a", Fields: map[string]any{"name": "Sam", "email": "sam@office.example", "active": true}},
		{Type: models.EntityCaseworker, ExternalID: "21", Version: "a", Fields: map[string]any{"name": "Left", "email": "left@office.example", "active": false}},
		{Type: models.EntityTag, ExternalID: "11", Version: "a", Fields: map[string]any{"name": "Damp"}},
	}
	for _, r := range recs {
		_, err := s.UpsertFromLegacy(ctx, office, r)
		require.NoError(t, err)
	}

	ref, err := s.ReferenceData(ctx, office)
	require.NoError(t, err)
	want := models.ReferenceData{
		CaseTypes:   []models.RefItem{{ID: "4", Name: "Benefits"}, {ID: "3", Name: "Housing"}},
		Caseworkers: []models.RefItem{{ID: "20", Name: "Sam"}},
		Tags:        []models.RefItem{{ID: "11", Name: "Damp"}},
		Priorities:  models.Priorities,
	}
	if diff := cmp.Diff(want, ref); diff != "" {
		t.Errorf("reference data mismatch (-want +got):\n%s", diff)
	}
}

func TestSuggestions_FrozenAfterDecision(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	first := &models.TriageSuggestion{OfficeID: office, MessageID: "m1", Action: models.ActionCreateCase}
	require.NoError(t, s.SaveSuggestion(ctx, first))
	second := &models.TriageSuggestion{OfficeID: office, MessageID: "m1", Action: models.ActionIgnore}
	require.NoError(t, s.SaveSuggestion(ctx, second), "undecided suggestions are replaceable")

	got, err := s.SuggestionForMessage(ctx, office, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.ActionIgnore, got.Action)

	decided, err := s.RecordDecision(ctx, second.ID, models.Decision{Action: models.ActionIgnore, DecidedBy: "sam"}, t0)
	require.NoError(t, err)
	require.NotNil(t, decided.DecidedAt)

	_, err = s.RecordDecision(ctx, second.ID, models.Decision{Action: models.ActionCreateCase}, t0)
	assert.ErrorIs(t, err, ErrFrozen)
	err = s.SaveSuggestion(ctx, &models.TriageSuggestion{OfficeID: office, MessageID: "m1", Action: models.ActionReply})
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestCampaigns(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	c := &models.Campaign{OfficeID: office, Name: "Save the library", Fingerprint: []uint64{1, 2, 3}}
	require.NoError(t, s.CreateCampaign(ctx, c))
	assert.NotEmpty(t, c.ID)

	got, err := s.ListCampaigns(ctx, office)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []uint64{1, 2, 3}, got[0].Fingerprint)
}
