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
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/casebridge/internal/classifier"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
)

const office = "office-1"

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const petitionText = `Please support the national campaign to end no fault evictions. Renters across
the country are being forced out of their homes with two months notice and no reason given.
I urge you to back the Renters Reform Bill and to speak in the debate next week.`

// seed mirrors a legacy record and returns its shadow row.
func seed(t *testing.T, s *shadow.MemStore, typ models.EntityType, ext string, v any) *models.Entity {
	t.Helper()
	fields, err := models.ToFields(v)
	require.NoError(t, err)
	ch, err := s.UpsertFromLegacy(context.Background(), office, models.Record{
		Type: typ, ExternalID: ext, UpdatedAt: t0, Version: "v1", Fields: fields,
	})
	require.NoError(t, err)
	return ch.Entity
}

func seedReference(t *testing.T, s *shadow.MemStore) {
	t.Helper()
	seed(t, s, models.EntityCaseType, "3", models.CaseType{Name: "Housing"})
	seed(t, s, models.EntityCaseType, "4", models.CaseType{Name: "Benefits"})
	seed(t, s, models.EntityCaseType, "9", models.CaseType{Name: "Old", Retired: true})
	seed(t, s, models.EntityCaseworker, "21", models.Caseworker{Name: "Sam Clerk", Active: true})
	seed(t, s, models.EntityTag, "11", models.Tag{Name: "Damp"})
}

func seedMessage(t *testing.T, s *shadow.MemStore, ext, from, subject, body string) *models.Entity {
	t.Helper()
	at := t0
	return seed(t, s, models.EntityEmail, ext, models.Message{
		Direction:  models.DirectionInbound,
		From:       models.EmailAddress{Address: from},
		To:         []models.EmailAddress{{Address: "mp@example.gov"}},
		Subject:    subject,
		BodyHTML:   body,
		ReceivedAt: &at,
	})
}

// fakeClassifier records every context it is given.
type fakeClassifier struct {
	mu    sync.Mutex
	seen  []classifier.Context
	reply func(n int, in *classifier.Context) (*classifier.Output, error)
}

func (f *fakeClassifier) Classify(_ context.Context, in *classifier.Context) (*classifier.Output, error) {
	f.mu.Lock()
	f.seen = append(f.seen, *in)
	n := len(f.seen)
	f.mu.Unlock()
	return f.reply(n, in)
}

func (f *fakeClassifier) calls() []classifier.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]classifier.Context(nil), f.seen...)
}

func housingOutput() *classifier.Output {
	return &classifier.Output{
		Action:     models.ActionCreateCase,
		Confidence: map[string]float64{models.ActionCreateCase: 0.86, models.ActionReply: 0.1},
		Fields: models.SuggestedFields{
			CaseTypeRef:   "3",
			Priority:      "medium",
			AssignedToRef: "77",
			TagRefs:       []string{"11", "999"},
			Summary:       "Damp and mould in rented flat",
		},
		Sentiment: "negative",
	}
}

func newPipeline(s *shadow.MemStore, c classifier.Classifier) *Pipeline {
	p := NewPipeline(Config{
		Store:         s,
		Campaigns:     s,
		Suggestions:   s,
		Classifier:    c,
		CampaignFloor: 0.6,
	})
	p.now = func() time.Time { return t0 }
	return p
}

func triageJob(t *testing.T, msg *models.Entity, attempt, maxAttempts int) *models.Job {
	t.Helper()
	payload, err := json.Marshal(Payload{MessageID: msg.ID})
	require.NoError(t, err)
	return &models.Job{
		ID: "job-1", Kind: models.KindTriageProcess, OfficeID: office,
		Payload: payload, AttemptCount: attempt, MaxAttempts: maxAttempts,
	}
}

// checkpoints collects every saved progress snapshot.
type checkpoints struct{ saved []Progress }

func (c *checkpoints) save(_ context.Context, output any) error {
	c.saved = append(c.saved, *output.(*Progress))
	return nil
}

func field(t *testing.T, s *shadow.MemStore, id, name string) any {
	t.Helper()
	e, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return e.Fields[name]
}

func TestPipeline_UnknownSenderHousingDisrepair(t *testing.T) {
	s := shadow.NewMemStore()
	seedReference(t, s)
	msg := seedMessage(t, s, "5001", "new.person@example.org", "Housing disrepair",
		"<p>There is black mould in every room of my flat.</p><p>The landlord will not respond.</p>")

	fc := &fakeClassifier{reply: func(int, *classifier.Context) (*classifier.Output, error) {
		return housingOutput(), nil
	}}
	cp := &checkpoints{}
	out, err := newPipeline(s, fc).Handle(context.Background(), triageJob(t, msg, 1, 8), cp.save)
	require.NoError(t, err)

	prog := out.(*Progress)
	assert.Equal(t, OutcomeSuggested, prog.Outcome)
	assert.False(t, prog.Matched)
	assert.Empty(t, prog.Cases)
	assert.Len(t, cp.saved, 8)
	assert.Equal(t, []string{StepParse, StepMatchConstituent, StepFindCases, StepMatchCampaign,
		StepBuildContext, StepClassify, StepGenerate, StepAwaitDecision}, prog.Completed)

	calls := fc.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Constituent)
	assert.Equal(t, "There is black mould in every room of my flat.\nThe landlord will not respond.", calls[0].Message.Text)
	assert.ElementsMatch(t, []models.RefItem{{ID: "3", Name: "Housing"}, {ID: "4", Name: "Benefits"}}, calls[0].Reference.CaseTypes)

	sug, err := s.SuggestionForMessage(context.Background(), office, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreateCase, sug.Action)
	assert.Equal(t, "3", sug.Fields.CaseTypeRef)
	assert.Equal(t, "medium", sug.Fields.Priority)
	assert.Equal(t, []string{"11"}, sug.Fields.TagRefs)
	assert.Empty(t, sug.Fields.AssignedToRef)
	assert.ElementsMatch(t, []string{"assigned_to_ref=77", "tag_ref=999"}, sug.Dropped)
	assert.Nil(t, sug.DecidedAt)

	assert.Equal(t, models.TriageSuggested, field(t, s, msg.ID, models.FieldTriageStatus))
	assert.Equal(t, sug.ID, field(t, s, msg.ID, models.FieldSuggestionID))
	assert.Equal(t, "negative", field(t, s, msg.ID, models.FieldSentiment))

	cases, err := s.List(context.Background(), office, shadow.Query{Type: models.EntityCase})
	require.NoError(t, err)
	assert.Empty(t, cases, "no case exists until a decision is submitted")
}

func TestPipeline_MatchedConstituentGetsOpenCasesMostRecentFirst(t *testing.T) {
	s := shadow.NewMemStore()
	seedReference(t, s)
	seed(t, s, models.EntityConstituent, "801", models.Constituent{FirstName: "Jane", LastName: "Doe"})
	seed(t, s, models.EntityContactDetail, "901", models.ContactDetail{
		ConstituentRef: "801", Kind: models.ContactEmail, Value: "Jane.Doe@example.org", Primary: true,
	})
	older, newer := t0.Add(-48*time.Hour), t0.Add(-2*time.Hour)
	seed(t, s, models.EntityCase, "40", models.Case{ConstituentRef: "801", CaseTypeRef: "3", Summary: "Repairs", LastActionedAt: &older})
	recent := seed(t, s, models.EntityCase, "41", models.Case{ConstituentRef: "801", CaseTypeRef: "4", Summary: "PIP appeal", LastActionedAt: &newer})
	seed(t, s, models.EntityCase, "39", models.Case{ConstituentRef: "801", CaseTypeRef: "3", Summary: "Closed one", Closed: true})
	seed(t, s, models.EntityCase, "50", models.Case{ConstituentRef: "802", CaseTypeRef: "3", Summary: "Someone else"})

	msg := seedMessage(t, s, "5002", "Jane.Doe@example.org", "PIP update", "Any news on my appeal?")

	fc := &fakeClassifier{reply: func(_ int, in *classifier.Context) (*classifier.Output, error) {
		return &classifier.Output{
			Action:     models.ActionAddToCase,
			Confidence: map[string]float64{models.ActionAddToCase: 0.9},
			Fields:     models.SuggestedFields{CaseID: in.Cases[0].ID},
		}, nil
	}}
	out, err := newPipeline(s, fc).Handle(context.Background(), triageJob(t, msg, 1, 8), (&checkpoints{}).save)
	require.NoError(t, err)

	prog := out.(*Progress)
	require.True(t, prog.Matched)
	assert.Equal(t, "801", prog.Constituent.ExternalID)
	assert.Equal(t, "Jane Doe", prog.Constituent.DisplayName)

	var exts []string
	for _, c := range prog.Cases {
		exts = append(exts, c.ExternalID)
	}
	assert.Equal(t, []string{"41", "40"}, exts)

	sug, err := s.SuggestionForMessage(context.Background(), office, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionAddToCase, sug.Action)
	assert.Equal(t, recent.ID, sug.Fields.CaseID)
}

func TestPipeline_CampaignMatch(t *testing.T) {
	s := shadow.NewMemStore()
	seedReference(t, s)
	require.NoError(t, s.CreateCampaign(context.Background(), &models.Campaign{
		ID: "camp-1", OfficeID: office, Name: "End no fault evictions", TagRef: "11",
		Fingerprint: Fingerprint("End no fault evictions", petitionText),
	}))
	require.NoError(t, s.CreateCampaign(context.Background(), &models.Campaign{
		ID: "camp-2", OfficeID: office, Name: "Save the library",
		Fingerprint: Fingerprint("Save our library", "Keep the central library open on Sundays for all residents."),
	}))

	msg := seedMessage(t, s, "5003", "renter@example.org", "End no fault evictions",
		"<p>"+petitionText+"</p><p>Yours sincerely, A. Renter</p>")

	fc := &fakeClassifier{reply: func(int, *classifier.Context) (*classifier.Output, error) {
		return &classifier.Output{
			Action:     models.ActionReply,
			Confidence: map[string]float64{models.ActionReply: 0.95},
			Fields:     models.SuggestedFields{ReplyBody: "Thank you for writing."},
		}, nil
	}}
	out, err := newPipeline(s, fc).Handle(context.Background(), triageJob(t, msg, 1, 8), (&checkpoints{}).save)
	require.NoError(t, err)

	prog := out.(*Progress)
	require.Len(t, prog.Campaigns, 1)
	assert.Equal(t, "camp-1", prog.Campaigns[0].ID)
	assert.GreaterOrEqual(t, prog.Campaigns[0].Score, 0.6)

	sug, err := s.SuggestionForMessage(context.Background(), office, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "camp-1", sug.Fields.CampaignID)
	assert.Equal(t, "camp-1", field(t, s, msg.ID, models.FieldCampaignID))
}

func TestPipeline_ResumesAfterClassifierOutage(t *testing.T) {
	s := shadow.NewMemStore()
	seedReference(t, s)
	msg := seedMessage(t, s, "5004", "new.person@example.org", "Housing disrepair", "Mould everywhere.")

	fc := &fakeClassifier{reply: func(n int, _ *classifier.Context) (*classifier.Output, error) {
		if n == 1 {
			return nil, classifier.ErrUnavailable
		}
		return housingOutput(), nil
	}}
	p := newPipeline(s, fc)
	job := triageJob(t, msg, 1, 3)

	out, err := p.Handle(context.Background(), job, (&checkpoints{}).save)
	require.ErrorIs(t, err, classifier.ErrUnavailable)
	assert.False(t, queue.IsPermanent(err))
	prog := out.(*Progress)
	assert.Equal(t, StepClassify, prog.FailedStep)
	assert.Len(t, prog.Completed, 5)
	assert.Equal(t, models.TriagePending, statusOrPending(t, s, msg.ID))

	// A campaign that appears between attempts must not leak into the
	// frozen snapshot: matching already completed.
	require.NoError(t, s.CreateCampaign(context.Background(), &models.Campaign{
		ID: "late", OfficeID: office, Name: "Late", Fingerprint: Fingerprint("Housing disrepair", "Mould everywhere."),
	}))

	job.Output, err = json.Marshal(prog)
	require.NoError(t, err)
	job.AttemptCount = 2
	out, err = p.Handle(context.Background(), job, (&checkpoints{}).save)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuggested, out.(*Progress).Outcome)
	assert.Empty(t, out.(*Progress).FailedStep)

	calls := fc.calls()
	require.Len(t, calls, 2)
	if diff := cmp.Diff(calls[0], calls[1]); diff != "" {
		t.Errorf("context changed between attempts (-first +second):\n%s", diff)
	}
	assert.Empty(t, calls[1].Campaigns)
}

func statusOrPending(t *testing.T, s *shadow.MemStore, id string) string {
	t.Helper()
	v, _ := field(t, s, id, models.FieldTriageStatus).(string)
	if v == "" {
		return models.TriagePending
	}
	return v
}

func TestPipeline_ClassifierOutageOnLastAttemptNeedsManualTriage(t *testing.T) {
	s := shadow.NewMemStore()
	seedReference(t, s)
	msg := seedMessage(t, s, "5005", "new.person@example.org", "Help", "Please call me.")

	fc := &fakeClassifier{reply: func(int, *classifier.Context) (*classifier.Output, error) {
		return nil, classifier.ErrUnavailable
	}}
	out, err := newPipeline(s, fc).Handle(context.Background(), triageJob(t, msg, 3, 3), (&checkpoints{}).save)
	require.Error(t, err)
	assert.Equal(t, OutcomeManual, out.(*Progress).Outcome)
	assert.Equal(t, models.TriageManual, field(t, s, msg.ID, models.FieldTriageStatus))
}

func TestPipeline_InvalidClassifierOutputIsPermanent(t *testing.T) {
	s := shadow.NewMemStore()
	seedReference(t, s)
	msg := seedMessage(t, s, "5006", "new.person@example.org", "Help", "Please call me.")

	fc := &fakeClassifier{reply: func(int, *classifier.Context) (*classifier.Output, error) {
		return classifier.ParseOutput([]byte(`{"action":"escalate"}`))
	}}
	_, err := newPipeline(s, fc).Handle(context.Background(), triageJob(t, msg, 1, 8), (&checkpoints{}).save)
	require.ErrorIs(t, err, classifier.ErrInvalidOutput)
	assert.True(t, queue.IsPermanent(err))
	assert.Equal(t, models.TriageManual, field(t, s, msg.ID, models.FieldTriageStatus))
}

func TestPipeline_DecidedMessageIsNotResuggested(t *testing.T) {
	s := shadow.NewMemStore()
	seedReference(t, s)
	msg := seedMessage(t, s, "5007", "new.person@example.org", "Housing disrepair", "Mould.")
	fc := &fakeClassifier{reply: func(int, *classifier.Context) (*classifier.Output, error) {
		return housingOutput(), nil
	}}
	p := newPipeline(s, fc)

	_, err := p.Handle(context.Background(), triageJob(t, msg, 1, 8), (&checkpoints{}).save)
	require.NoError(t, err)
	sug, err := s.SuggestionForMessage(context.Background(), office, msg.ID)
	require.NoError(t, err)
	_, err = s.RecordDecision(context.Background(), sug.ID, models.Decision{Action: models.ActionIgnore, DecidedBy: "caseworker"}, t0)
	require.NoError(t, err)

	out, err := p.Handle(context.Background(), triageJob(t, msg, 1, 8), (&checkpoints{}).save)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDecided, out.(*Progress).Outcome)

	again, err := s.GetSuggestion(context.Background(), sug.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionIgnore, again.Decision.Action)
}

func TestPipeline_OutboundMessageIsNotApplicable(t *testing.T) {
	s := shadow.NewMemStore()
	msg := seed(t, s, models.EntityEmail, "5008", models.Message{
		Direction: models.DirectionOutbound, Subject: "Re: Housing", BodyHTML: "Thanks",
	})
	fc := &fakeClassifier{reply: func(int, *classifier.Context) (*classifier.Output, error) {
		t.Fatal("classifier must not be called")
		return nil, nil
	}}
	out, err := newPipeline(s, fc).Handle(context.Background(), triageJob(t, msg, 1, 8), (&checkpoints{}).save)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, out.(*Progress).Outcome)
}

func TestSuggest_DeterministicAndOnlyKnownIDs(t *testing.T) {
	snap := &classifier.Context{
		OfficeID: office,
		Cases:    []classifier.Case{{ID: "case-a", ExternalID: "41"}},
		Campaigns: []classifier.Campaign{
			{ID: "camp-1", Score: 0.8},
		},
		Reference: models.ReferenceData{
			CaseTypes:   []models.RefItem{{ID: "3", Name: "Housing"}},
			Caseworkers: []models.RefItem{{ID: "21", Name: "Sam Clerk"}},
			Tags:        []models.RefItem{{ID: "11", Name: "Damp"}},
			Priorities:  models.Priorities,
		},
	}
	out := &classifier.Output{
		Action:     models.ActionCreateCase,
		Confidence: map[string]float64{models.ActionCreateCase: 0.7},
		Fields: models.SuggestedFields{
			CaseID: "case-zzz", CaseTypeRef: "3", AssignedToRef: "21", Priority: "critical",
			TagRefs: []string{"12", "11", "11"}, CampaignID: "camp-9",
		},
	}

	a1, f1, d1 := Suggest(out, snap, 0)
	a2, f2, d2 := Suggest(out, snap, 0)
	assert.Equal(t, a1, a2)
	assert.Empty(t, cmp.Diff(f1, f2))
	assert.Equal(t, d1, d2)

	assert.Equal(t, models.ActionCreateCase, a1)
	assert.Equal(t, models.SuggestedFields{
		CaseTypeRef: "3", AssignedToRef: "21", TagRefs: []string{"11"}, CampaignID: "camp-1",
	}, f1)
	assert.Equal(t, []string{"case_id=case-zzz", "priority=critical", "tag_ref=12", "campaign_id=camp-9"}, d1)
}

func TestSuggest_DemotesUnsupportedActions(t *testing.T) {
	snap := &classifier.Context{Reference: models.ReferenceData{
		CaseTypes:  []models.RefItem{{ID: "3", Name: "Housing"}},
		Priorities: models.Priorities,
	}}

	action, _, dropped := Suggest(&classifier.Output{
		Action: models.ActionAddToCase, Fields: models.SuggestedFields{CaseID: "nope"},
	}, snap, 0)
	assert.Equal(t, models.ActionManualReview, action)
	assert.Contains(t, dropped, "action=add_to_case without a known case")

	action, fields, _ := Suggest(&classifier.Output{
		Action:     models.ActionCreateCase,
		Confidence: map[string]float64{models.ActionCreateCase: 0.4},
		Fields:     models.SuggestedFields{CaseTypeRef: "3"},
	}, snap, 0.5)
	assert.Equal(t, models.ActionManualReview, action)
	assert.Equal(t, "3", fields.CaseTypeRef)
}

func TestHTMLToText(t *testing.T) {
	got := HTMLToText(`<html><head><style>p{color:red}</style></head><body>
		<p>Dear  MP,</p><p>My <b>landlord</b> ignores me.<br>Please help.</p>
		<script>alert(1)</script></body></html>`)
	assert.Equal(t, "Dear MP,\nMy landlord ignores me.\nPlease help.", got)

	assert.Equal(t, "plain text body", HTMLToText("  plain   text body "))
}

func TestFingerprintSimilarity(t *testing.T) {
	a := Fingerprint("End no fault evictions", petitionText)
	b := Fingerprint("END NO-FAULT EVICTIONS!", strings.ToUpper(petitionText))
	assert.Equal(t, 1.0, Similarity(a, b))

	c := Fingerprint("Bins", "My bins were not collected on Tuesday again.")
	assert.Less(t, Similarity(a, c), 0.1)
	assert.Zero(t, Similarity(nil, a))
}
