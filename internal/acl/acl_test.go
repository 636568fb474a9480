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

package acl

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/casebridge/internal/models"
)

func decodeCase(t *testing.T, rec models.Record) models.Case {
	t.Helper()
	var c models.Case
	require.NoError(t, models.FromFields(rec.Fields, &c))
	return c
}

func TestAdaptCase_ShapeVariants(t *testing.T) {
	v1 := `{"id":42,"constituentID":7,"caseTypeID":"3","statusID":1,"assignedToID":9,
		"summary":"Damp in flat","priority":2,"reviewDate":"2026-05-01","created":"2026-01-10T09:00:00Z",
		"tagged":[11,12],"lastModified":"2026-03-01T12:00:00.5Z"}`
	v2 := `{"id":"42","constituentID":"7","caseTypeID":3,"statusID":"1","assignedTo":{"id":9,"name":"Sam"},
		"summary":"Damp in flat","priority":"Medium","reviewDate":"2026-05-01","created":"2026-01-10T09:00:00Z",
		"tagged":["11","12"],"lastModified":"2026-03-01T12:00:00.5Z"}`

	r1, err := Adapt(models.EntityCase, json.RawMessage(v1))
	require.NoError(t, err)
	r2, err := Adapt(models.EntityCase, json.RawMessage(v2))
	require.NoError(t, err)

	assert.Equal(t, "42", r1.ExternalID)
	assert.Equal(t, r1.Version, r2.Version)
	if diff := cmp.Diff(r1.Fields, r2.Fields); diff != "" {
		t.Errorf("v1 and v2 shapes must adapt identically (-v1 +v2):\n%s", diff)
	}

	c := decodeCase(t, r1)
	assert.Equal(t, "9", c.AssignedToRef)
	assert.Equal(t, "medium", c.Priority)
	assert.Equal(t, []string{"11", "12"}, c.TagRefs)
	assert.Nil(t, c.Classification, "enrichment starts null")
	require.NotNil(t, c.ReviewDate)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), *c.ReviewDate)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 5e8, time.UTC), r1.UpdatedAt)
}

func TestAdaptConstituent_ShapeVariants(t *testing.T) {
	r1, err := Adapt(models.EntityConstituent, json.RawMessage(`{"id":7,"title":"Ms","firstName":"Ada ","surname":"Lovelace"}`))
	require.NoError(t, err)
	r2, err := Adapt(models.EntityConstituent, json.RawMessage(`{"id":7,"name":{"title":"Ms","first":"Ada","last":"Lovelace"}}`))
	require.NoError(t, err)

	if diff := cmp.Diff(r1.Fields, r2.Fields); diff != "" {
		t.Errorf("(-v1 +v2):\n%s", diff)
	}
	var c models.Constituent
	require.NoError(t, models.FromFields(r1.Fields, &c))
	assert.Equal(t, "Ada Lovelace", c.DisplayName())
}

func TestAdaptEmail_ShapeVariants(t *testing.T) {
	v1 := `{"id":100,"type":"received","fromAddress":"Resident@Example.org","to":"office@example.gov",
		"subject":"Housing disrepair","htmlBody":"<p>Help</p>","dateTime":"2026-03-02 08:15:00","actioned":0}`
	v2 := `{"id":100,"type":"received","from":{"address":"resident@example.org"},"to":[{"address":"office@example.gov"}],
		"subject":"Housing disrepair","htmlBody":"<p>Help</p>","dateTime":"2026-03-02T08:15:00Z","actioned":false}`

	r1, err := Adapt(models.EntityEmail, json.RawMessage(v1))
	require.NoError(t, err)
	r2, err := Adapt(models.EntityEmail, json.RawMessage(v2))
	require.NoError(t, err)

	if diff := cmp.Diff(r1.Fields, r2.Fields); diff != "" {
		t.Errorf("(-v1 +v2):\n%s", diff)
	}
	var m models.Message
	require.NoError(t, models.FromFields(r1.Fields, &m))
	assert.Equal(t, models.DirectionInbound, m.Direction)
	assert.Equal(t, "resident@example.org", m.From.Address)
	assert.Nil(t, m.TriageStatus)
	assert.Nil(t, m.Sentiment)
}

func TestAdapt_VersionFallsBackToContentHash(t *testing.T) {
	a, err := Adapt(models.EntityTag, json.RawMessage(`{"id":1,"tag":"Housing"}`))
	require.NoError(t, err)
	b, err := Adapt(models.EntityTag, json.RawMessage(`{ "id": 1, "tag": "Housing" }`))
	require.NoError(t, err)
	c, err := Adapt(models.EntityTag, json.RawMessage(`{"id":1,"tag":"Housing "}`))
	require.NoError(t, err)

	assert.Equal(t, a.Version, b.Version, "formatting must not change the version")
	assert.NotEqual(t, a.Version, c.Version)
	assert.True(t, a.UpdatedAt.IsZero())
}

func TestAdapt_ContactDetailKinds(t *testing.T) {
	rec, err := Adapt(models.EntityContactDetail, json.RawMessage(`{"id":5,"constituentID":7,"contactTypeID":1,"value":" Resident@Example.org ","primary":1}`))
	require.NoError(t, err)
	assert.Equal(t, "email", rec.Fields["kind"])
	assert.Equal(t, "resident@example.org", rec.Fields["value"])
	assert.Equal(t, true, rec.Fields["primary"])

	rec, err = Adapt(models.EntityContactDetail, json.RawMessage(`{"id":6,"contactTypeID":99,"value":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ContactOther, rec.Fields["kind"])
}

func TestAdapt_Failures(t *testing.T) {
	tests := []struct {
		name string
		typ  models.EntityType
		raw  string
	}{
		{"not an object", models.EntityCase, `[1,2]`},
		{"missing id", models.EntityCase, `{"summary":"x"}`},
		{"unknown type", models.EntityType("review_date"), `{"id":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Adapt(tt.typ, json.RawMessage(tt.raw))
			require.ErrorIs(t, err, ErrUntranslatable)
		})
	}
}

func TestAdapt_DeletedFlag(t *testing.T) {
	rec, err := Adapt(models.EntityTag, json.RawMessage(`{"id":3,"tag":"Old","deleted":true}`))
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
}

func TestToLegacyPayload_CaseCreate(t *testing.T) {
	change, err := models.ToFields(models.Case{
		ConstituentRef: "7",
		CaseTypeRef:    "3",
		Summary:        "Damp in flat",
		Priority:       "high",
		TagRefs:        []string{"11"},
	})
	require.NoError(t, err)
	change["classification"] = "housing"

	p, err := ToLegacyPayload(models.EntityCase, OpCreate, "", change)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, p.Method)
	assert.Equal(t, "/cases", p.Path)
	assert.Equal(t, int64(7), p.Body["constituentID"])
	assert.Equal(t, "high", p.Body["priority"])
	assert.Equal(t, []any{int64(11)}, p.Body["tagged"])
	assert.NotContains(t, p.Body, "classification")
}

func TestToLegacyPayload_PartialUpdate(t *testing.T) {
	p, err := ToLegacyPayload(models.EntityCase, OpUpdate, "42", map[string]any{"summary": "Updated"})
	require.NoError(t, err)
	assert.Equal(t, Payload{Method: http.MethodPatch, Path: "/cases/42", Body: map[string]any{"summary": "Updated"}}, p)
}

func TestToLegacyPayload_Errors(t *testing.T) {
	_, err := ToLegacyPayload(models.EntityCase, OpUpdate, "42", map[string]any{"classification": "x"})
	assert.ErrorIs(t, err, ErrNoLegacyFields)

	_, err = ToLegacyPayload(models.EntityCase, OpCreate, "", map[string]any{"summary": "x"})
	assert.ErrorIs(t, err, ErrUntranslatable)

	_, err = ToLegacyPayload(models.EntityCase, OpUpdate, "42", map[string]any{"priority": "whenever"})
	assert.ErrorIs(t, err, ErrUntranslatable)

	_, err = ToLegacyPayload(models.EntityCaseType, OpCreate, "", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = ToLegacyPayload(models.EntityCase, OpUpdate, "", map[string]any{"summary": "x"})
	assert.ErrorIs(t, err, ErrUntranslatable)
}

func TestToLegacyPayload_Delete(t *testing.T) {
	p, err := ToLegacyPayload(models.EntityContactDetail, OpDelete, "5", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, p.Method)
	assert.Equal(t, "/contactDetails/5", p.Path)
	assert.Nil(t, p.Body)
}

func TestRoundTrip_PayloadThenAdapt(t *testing.T) {
	change := map[string]any{"kind": "phone", "value": "0123", "constituent_ref": "7", "primary": true}
	p, err := ToLegacyPayload(models.EntityContactDetail, OpCreate, "", change)
	require.NoError(t, err)

	// Legacy echoes the body back with an id.
	echo := map[string]any{"id": 5}
	for k, v := range p.Body {
		echo[k] = v
	}
	raw, err := json.Marshal(echo)
	require.NoError(t, err)

	rec, err := Adapt(models.EntityContactDetail, raw)
	require.NoError(t, err)
	assert.True(t, Applied(models.EntityContactDetail, change, rec))
}

func TestApplied(t *testing.T) {
	observed, err := Adapt(models.EntityCase, json.RawMessage(`{"id":42,"constituentID":7,"caseTypeID":3,"summary":"Updated","priority":"low","reviewDate":"2026-05-01T00:00:00Z"}`))
	require.NoError(t, err)

	assert.True(t, Applied(models.EntityCase, map[string]any{"summary": "Updated"}, observed))
	assert.True(t, Applied(models.EntityCase, map[string]any{"review_date": "2026-05-01T01:00:00+01:00"}, observed))
	assert.False(t, Applied(models.EntityCase, map[string]any{"summary": "Original"}, observed))
	assert.False(t, Applied(models.EntityCase, map[string]any{"classification": "x"}, observed), "nothing comparable")
	assert.Equal(t, []string{"priority"}, Diff(models.EntityCase, map[string]any{"summary": "Updated", "priority": "high"}, observed.Fields))
}

func TestNaturalKey(t *testing.T) {
	assert.Equal(t, "email|resident@example.org",
		NaturalKey(models.EntityContactDetail, map[string]any{"kind": "email", "value": "Resident@Example.org"}))
	assert.Equal(t, "7|3|damp in flat",
		NaturalKey(models.EntityCase, map[string]any{"constituent_ref": "7", "case_type_ref": "3", "summary": " Damp in flat"}))
	assert.Empty(t, NaturalKey(models.EntityCase, map[string]any{"summary": "x"}))
	assert.Equal(t, "housing", NaturalKey(models.EntityTag, map[string]any{"name": "Housing"}))
}

func TestChangedSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := ChangedSince(models.EntityEmail, since, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, "/emails/search", p.Path)
	assert.Equal(t, map[string]any{"modifiedSince": "2026-03-01T00:00:00Z"}, p.Body["filter"])
	assert.Equal(t, 2, p.Body["pageNo"])

	_, err = ChangedSince(models.EntityType("nope"), since, 1, 10)
	assert.True(t, errors.Is(err, ErrUntranslatable))
}

func TestOwnership(t *testing.T) {
	assert.Equal(t, OwnerShadow, FieldOwner(models.EntityEmail, models.FieldTriageStatus))
	assert.Equal(t, OwnerLegacy, FieldOwner(models.EntityCase, "constituent_ref"))
	assert.Equal(t, OwnerShared, FieldOwner(models.EntityCase, "summary"))
	assert.Equal(t, []string{"campaign_id", "sentiment", "suggestion_id", "triage_status"}, ShadowFields(models.EntityEmail))
}
