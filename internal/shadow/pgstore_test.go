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
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/casebridge/internal/models"
)

// newTestPGStore connects to CASEBRIDGE_TEST_DATABASE_URL or skips.
func newTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	url := os.Getenv("CASEBRIDGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CASEBRIDGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := NewPGStore(ctx, pool)
	require.NoError(t, err)
	return s
}

func TestPGStore_ApplyPageIdempotent(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	officeID := "pg-" + uuid.NewString()

	page := []models.Record{
		caseRecord("1", t0, map[string]any{"summary": "one"}),
		caseRecord("2", t0.Add(time.Minute), map[string]any{"summary": "two"}),
	}
	res, err := s.ApplyPage(ctx, officeID, models.EntityCase, page, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(OutcomeInserted))

	res, err = s.ApplyPage(ctx, officeID, models.EntityCase, page, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(OutcomeUnchanged))
	assert.True(t, res.Watermark.Equal(t0.Add(time.Minute)), "watermark regressed to %s", res.Watermark)

	rows, err := s.List(ctx, officeID, Query{Type: models.EntityCase, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPGStore_PendingLifecycle(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	officeID := "pg-" + uuid.NewString()

	e, err := s.CreatePending(ctx, officeID, models.EntityTag, map[string]any{"name": "Housing"})
	require.NoError(t, err)
	newer, err := s.MarkPendingSync(ctx, e.ID, e.Version, map[string]any{"name": "Housing (private)"})
	require.NoError(t, err)

	_, err = s.MarkPendingSync(ctx, e.ID, e.Version, map[string]any{"name": "lost race"})
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.RecordSynced(ctx, e.ID, "9", e.Version, nil)
	require.NoError(t, err)
	assert.True(t, got.PendingSync)

	got, err = s.RecordSynced(ctx, e.ID, "9", newer.Version, nil)
	require.NoError(t, err)
	assert.False(t, got.PendingSync)

	byExt, err := s.GetByExternalID(ctx, officeID, models.EntityTag, "9")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byExt.ID)
	assert.Equal(t, "Housing (private)", byExt.Fields["name"])
}

func TestPGStore_PolledDuplicateFoldsOnSync(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	officeID := "pg-" + uuid.NewString()

	local, err := s.CreatePending(ctx, officeID, models.EntityEmail, map[string]any{
		"direction": models.DirectionInbound,
		"subject":   "Noise complaint",
	})
	require.NoError(t, err)

	// The poller never binds the pending row, even with a matching key.
	polled, err := s.UpsertFromLegacy(ctx, officeID, models.Record{
		Type: models.EntityEmail, ExternalID: "77", UpdatedAt: t0, Version: "v1",
		Fields: map[string]any{"direction": models.DirectionInbound, "subject": "Noise complaint"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, polled.Outcome)
	assert.NotEqual(t, local.ID, polled.Entity.ID)

	stillPending, err := s.Get(ctx, local.ID)
	require.NoError(t, err)
	assert.Nil(t, stillPending.ExternalID)

	require.NoError(t, s.UpdateEnrichment(ctx, polled.Entity.ID, map[string]any{
		models.FieldTriageStatus: models.TriageSuggested,
		models.FieldSuggestionID: "sugg-1",
	}))

	got, err := s.RecordSynced(ctx, local.ID, "77", local.Version, nil)
	require.NoError(t, err)
	assert.Equal(t, "sugg-1", got.Fields[models.FieldSuggestionID])

	_, err = s.Get(ctx, polled.Entity.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	byExt, err := s.GetByExternalID(ctx, officeID, models.EntityEmail, "77")
	require.NoError(t, err)
	assert.Equal(t, local.ID, byExt.ID)
	assert.Equal(t, models.TriageSuggested, byExt.Fields[models.FieldTriageStatus])
}

func TestPGStore_SuggestionFrozen(t *testing.T) {
	s := newTestPGStore(t)
	ctx := context.Background()
	officeID := "pg-" + uuid.NewString()

	sg := &models.TriageSuggestion{OfficeID: officeID, MessageID: "m1", Action: models.ActionCreateCase,
		Confidence: map[string]float64{"action": 0.8}}
	require.NoError(t, s.SaveSuggestion(ctx, sg))

	_, err := s.RecordDecision(ctx, sg.ID, models.Decision{Action: models.ActionCreateCase, DecidedBy: "sam"}, t0)
	require.NoError(t, err)

	_, err = s.RecordDecision(ctx, sg.ID, models.Decision{Action: models.ActionIgnore}, t0)
	assert.ErrorIs(t, err, ErrFrozen)
	err = s.SaveSuggestion(ctx, &models.TriageSuggestion{OfficeID: officeID, MessageID: "m1", Action: models.ActionIgnore})
	assert.ErrorIs(t, err, ErrFrozen)
}
