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

// Package triage runs the per-message pipeline that turns an inbound email
// into a validated suggestion, and realises the decision a human (or an
// autonomous policy) makes about it.
//
// The pipeline is a job handler. Every completed step is checkpointed into
// the job output, so a retried job resumes at the first incomplete step and
// a failed job keeps the earlier results for inspection.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bcem/casebridge/internal/classifier"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
)

// Pipeline steps in execution order.
const (
	StepParse            = "parse"
	StepMatchConstituent = "match_constituent"
	StepFindCases        = "find_related_cases"
	StepMatchCampaign    = "match_campaign"
	StepBuildContext     = "build_context"
	StepClassify         = "classify"
	StepGenerate         = "generate_suggestion"
	StepAwaitDecision    = "await_decision"
)

// Outcomes reported in the job output.
const (
	OutcomeSuggested      = "suggested"
	OutcomeManual         = "needs_manual_triage"
	OutcomeAlreadyDecided = "already_decided"
	OutcomeNotApplicable  = "not_applicable"
	OutcomeRemoved        = "message_removed"
)

const defaultMaxCases = 10

// Payload is the triage_process job payload.
type Payload struct {
	MessageID string `json:"message_id"`
}

// SuggestionRef is what await_decision needs from generate_suggestion.
type SuggestionRef struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// Progress is the job output. It is rewritten after every step.
type Progress struct {
	Completed   []string                `json:"completed"`
	Message     *classifier.Message     `json:"message,omitempty"`
	Matched     bool                    `json:"constituent_matched"`
	Constituent *classifier.Constituent `json:"constituent,omitempty"`
	Cases       []classifier.Case       `json:"cases,omitempty"`
	Campaigns   []classifier.Campaign   `json:"campaigns,omitempty"`
	Context     *classifier.Context     `json:"context,omitempty"`
	Output      *classifier.Output      `json:"classifier_output,omitempty"`
	Suggestion  *SuggestionRef          `json:"suggestion,omitempty"`
	Outcome     string                  `json:"outcome,omitempty"`
	FailedStep  string                  `json:"failed_step,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

func (p *Progress) done(step string) bool { return slices.Contains(p.Completed, step) }

// Config wires a Pipeline.
type Config struct {
	Store       shadow.Store
	Campaigns   shadow.CampaignStore
	Suggestions shadow.SuggestionStore
	Classifier  classifier.Classifier

	// CampaignFloor is the minimum similarity for a campaign candidate.
	CampaignFloor float64
	// ConfidenceFloor demotes low-confidence actions to manual_review.
	ConfidenceFloor float64
	MaxCases        int
}

// Pipeline is the triage_process handler.
type Pipeline struct {
	store           shadow.Store
	campaigns       shadow.CampaignStore
	suggestions     shadow.SuggestionStore
	classifier      classifier.Classifier
	campaignFloor   float64
	confidenceFloor float64
	maxCases        int
	now             func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.MaxCases <= 0 {
		cfg.MaxCases = defaultMaxCases
	}
	return &Pipeline{
		store:           cfg.Store,
		campaigns:       cfg.Campaigns,
		suggestions:     cfg.Suggestions,
		classifier:      cfg.Classifier,
		campaignFloor:   cfg.CampaignFloor,
		confidenceFloor: cfg.ConfidenceFloor,
		maxCases:        cfg.MaxCases,
		now:             time.Now,
	}
}

// errStop ends the pipeline early without failing the job.
var errStop = errors.New("stop")

type run struct {
	job  *models.Job
	ent  *models.Entity
	msg  models.Message
	prog *Progress
	log  *slog.Logger
}

type step struct {
	name string
	fn   func(ctx context.Context, r *run) (string, error)
}

func (p *Pipeline) steps() []step {
	return []step{
		{StepParse, p.parse},
		{StepMatchConstituent, p.matchConstituent},
		{StepFindCases, p.findRelatedCases},
		{StepMatchCampaign, p.matchCampaign},
		{StepBuildContext, p.buildContext},
		{StepClassify, p.classify},
		{StepGenerate, p.generateSuggestion},
		{StepAwaitDecision, p.awaitDecision},
	}
}

// Handle implements queue.Handler.
func (p *Pipeline) Handle(ctx context.Context, job *models.Job, checkpoint queue.Checkpoint) (any, error) {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.MessageID == "" {
		return nil, queue.Permanent(fmt.Errorf("invalid triage payload: %s", job.Payload))
	}

	prog := &Progress{}
	if len(job.Output) > 0 {
		if err := json.Unmarshal(job.Output, prog); err != nil {
			slog.Warn("discarding unreadable triage progress", "job_id", job.ID, "error", err)
			prog = &Progress{}
		}
	}
	prog.FailedStep, prog.Error = "", ""

	ent, err := p.store.Get(ctx, payload.MessageID)
	if errors.Is(err, shadow.ErrNotFound) {
		prog.Outcome = OutcomeRemoved
		return prog, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", payload.MessageID, err)
	}
	if ent.OfficeID != job.OfficeID || ent.Type != models.EntityEmail {
		return nil, queue.Permanent(fmt.Errorf("message %s is not an email of office %s", ent.ID, job.OfficeID))
	}

	r := &run{
		job:  job,
		ent:  ent,
		prog: prog,
		log: slog.With("job_id", job.ID, "office", job.OfficeID,
			"message_id", ent.ID, "external_id", ent.External()),
	}
	if err := ent.Decode(&r.msg); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode message %s: %w", ent.ID, err))
	}
	if r.msg.Direction != models.DirectionInbound || ent.DeletedAt != nil {
		prog.Outcome = OutcomeNotApplicable
		return prog, nil
	}

	for _, s := range p.steps() {
		if prog.done(s.name) {
			continue
		}
		start := time.Now()
		outcome, err := s.fn(ctx, r)
		duration := time.Since(start).Milliseconds()

		if errors.Is(err, errStop) {
			r.log.Info("triage step", "step", s.name, "outcome", outcome, "duration_ms", duration)
			prog.Outcome = outcome
			return prog, nil
		}
		if err != nil {
			r.log.Warn("triage step failed", "step", s.name, "duration_ms", duration, "error", err)
			prog.FailedStep = s.name
			prog.Error = err.Error()
			return prog, fmt.Errorf("%s: %w", s.name, err)
		}
		r.log.Info("triage step", "step", s.name, "outcome", outcome, "duration_ms", duration)

		prog.Completed = append(prog.Completed, s.name)
		if err := checkpoint(ctx, prog); err != nil {
			return prog, fmt.Errorf("checkpoint after %s: %w", s.name, err)
		}
	}
	return prog, nil
}

func (p *Pipeline) parse(_ context.Context, r *run) (string, error) {
	m := r.msg
	r.prog.Message = &classifier.Message{
		ID:         r.ent.ID,
		From:       strings.TrimSpace(m.From.Address),
		FromName:   strings.TrimSpace(m.From.Name),
		Subject:    strings.TrimSpace(m.Subject),
		Text:       HTMLToText(m.BodyHTML),
		ReceivedAt: m.ReceivedAt,
	}
	return "ok", nil
}

// matchConstituent looks the sender up by email contact detail. Contact
// details are unique per office and value, so at most one matches.
func (p *Pipeline) matchConstituent(ctx context.Context, r *run) (string, error) {
	r.prog.Matched, r.prog.Constituent = false, nil
	addr := r.prog.Message.From
	if addr == "" {
		return "unmatched", nil
	}

	var detail *models.Entity
	for _, v := range addressVariants(addr) {
		found, err := p.store.List(ctx, r.job.OfficeID, shadow.Query{
			Type:  models.EntityContactDetail,
			Where: map[string]string{"kind": models.ContactEmail, "value": v},
			Limit: 1,
		})
		if err != nil {
			return "", fmt.Errorf("find contact detail: %w", err)
		}
		if len(found) > 0 {
			detail = found[0]
			break
		}
	}
	if detail == nil {
		return "unmatched", nil
	}

	var cd models.ContactDetail
	if err := detail.Decode(&cd); err != nil || cd.ConstituentRef == "" {
		return "unmatched", nil
	}
	ent, err := p.store.GetByExternalID(ctx, r.job.OfficeID, models.EntityConstituent, cd.ConstituentRef)
	if errors.Is(err, shadow.ErrNotFound) {
		r.log.Warn("contact detail points at unknown constituent", "constituent_ref", cd.ConstituentRef)
		return "unmatched", nil
	}
	if err != nil {
		return "", fmt.Errorf("load constituent %s: %w", cd.ConstituentRef, err)
	}
	if ent.DeletedAt != nil {
		return "unmatched", nil
	}

	var c models.Constituent
	if err := ent.Decode(&c); err != nil {
		return "", fmt.Errorf("decode constituent %s: %w", ent.ID, err)
	}
	r.prog.Matched = true
	r.prog.Constituent = &classifier.Constituent{
		ID:          ent.ID,
		ExternalID:  ent.External(),
		DisplayName: c.DisplayName(),
	}
	return "matched", nil
}

func addressVariants(addr string) []string {
	lower := strings.ToLower(addr)
	if lower == addr {
		return []string{addr}
	}
	return []string{addr, lower}
}

// findRelatedCases lists the matched constituent's open cases, most
// recently actioned first.
func (p *Pipeline) findRelatedCases(ctx context.Context, r *run) (string, error) {
	r.prog.Cases = nil
	if !r.prog.Matched || r.prog.Constituent.ExternalID == "" {
		return "skipped", nil
	}
	rows, err := p.store.List(ctx, r.job.OfficeID, shadow.Query{
		Type:        models.EntityCase,
		Where:       map[string]string{"constituent_ref": r.prog.Constituent.ExternalID},
		OrderByDesc: "last_actioned_at",
	})
	if err != nil {
		return "", fmt.Errorf("list cases: %w", err)
	}
	for _, e := range rows {
		var c models.Case
		if err := e.Decode(&c); err != nil {
			r.log.Warn("skipping undecodable case", "case_id", e.ID, "error", err)
			continue
		}
		if c.Closed {
			continue
		}
		r.prog.Cases = append(r.prog.Cases, classifier.Case{
			ID:             e.ID,
			ExternalID:     e.External(),
			Summary:        c.Summary,
			CaseTypeRef:    c.CaseTypeRef,
			AssignedToRef:  c.AssignedToRef,
			Priority:       c.Priority,
			LastActionedAt: c.LastActionedAt,
		})
		if len(r.prog.Cases) == p.maxCases {
			break
		}
	}
	return fmt.Sprintf("%d open", len(r.prog.Cases)), nil
}

// matchCampaign compares the message fingerprint with every known campaign.
// Candidates below the floor are dropped.
func (p *Pipeline) matchCampaign(ctx context.Context, r *run) (string, error) {
	r.prog.Campaigns = nil
	if p.campaigns == nil {
		return "skipped", nil
	}
	known, err := p.campaigns.ListCampaigns(ctx, r.job.OfficeID)
	if err != nil {
		return "", fmt.Errorf("list campaigns: %w", err)
	}
	fp := Fingerprint(r.prog.Message.Subject, r.prog.Message.Text)
	for _, c := range known {
		score := Similarity(fp, c.Fingerprint)
		if score < p.campaignFloor || score == 0 {
			continue
		}
		r.prog.Campaigns = append(r.prog.Campaigns, classifier.Campaign{
			ID: c.ID, Name: c.Name, TagRef: c.TagRef, Score: score,
		})
	}
	sort.SliceStable(r.prog.Campaigns, func(i, j int) bool {
		a, b := r.prog.Campaigns[i], r.prog.Campaigns[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})
	return fmt.Sprintf("%d candidates", len(r.prog.Campaigns)), nil
}

// buildContext freezes everything the classifier may see.
func (p *Pipeline) buildContext(ctx context.Context, r *run) (string, error) {
	ref, err := p.store.ReferenceData(ctx, r.job.OfficeID)
	if err != nil {
		return "", fmt.Errorf("load reference data: %w", err)
	}
	cases := r.prog.Cases
	if cases == nil {
		cases = []classifier.Case{}
	}
	campaigns := r.prog.Campaigns
	if campaigns == nil {
		campaigns = []classifier.Campaign{}
	}
	r.prog.Context = &classifier.Context{
		OfficeID:    r.job.OfficeID,
		Message:     *r.prog.Message,
		Matched:     r.prog.Matched,
		Constituent: r.prog.Constituent,
		Cases:       cases,
		Campaigns:   campaigns,
		Reference:   ref,
	}
	return "ok", nil
}

// classify makes the single external call. Outages are retried by the
// queue; when no attempts remain, or the output is unusable, the message is
// left for manual triage.
func (p *Pipeline) classify(ctx context.Context, r *run) (string, error) {
	out, err := p.classifier.Classify(ctx, r.prog.Context)
	if err == nil {
		r.prog.Output = out
		return out.Action, nil
	}

	lastAttempt := r.job.MaxAttempts > 0 && r.job.AttemptCount >= r.job.MaxAttempts
	if errors.Is(err, classifier.ErrInvalidOutput) || lastAttempt {
		if merr := p.markManual(ctx, r, err); merr != nil {
			return "", merr
		}
		r.prog.Outcome = OutcomeManual
		if errors.Is(err, classifier.ErrInvalidOutput) {
			return "", queue.Permanent(err)
		}
	}
	return "", err
}

func (p *Pipeline) markManual(ctx context.Context, r *run, cause error) error {
	r.log.Warn("message left for manual triage", "error", cause)
	if err := p.store.UpdateEnrichment(ctx, r.ent.ID, map[string]any{
		models.FieldTriageStatus: models.TriageManual,
	}); err != nil {
		return fmt.Errorf("flag message for manual triage: %w", err)
	}
	return nil
}

// generateSuggestion revalidates the classifier output and persists it.
func (p *Pipeline) generateSuggestion(ctx context.Context, r *run) (string, error) {
	action, fields, dropped := Suggest(r.prog.Output, r.prog.Context, p.confidenceFloor)
	if len(dropped) > 0 {
		r.log.Warn("classifier suggested unknown references", "dropped", dropped)
	}
	snapshot, err := json.Marshal(r.prog.Context)
	if err != nil {
		return "", fmt.Errorf("marshal context snapshot: %w", err)
	}

	s := &models.TriageSuggestion{
		OfficeID:   r.job.OfficeID,
		MessageID:  r.ent.ID,
		JobID:      r.job.ID,
		Action:     action,
		Confidence: r.prog.Output.Confidence,
		Fields:     fields,
		Dropped:    dropped,
		Context:    snapshot,
		CreatedAt:  p.now().UTC(),
	}
	err = p.suggestions.SaveSuggestion(ctx, s)
	if errors.Is(err, shadow.ErrFrozen) {
		return OutcomeAlreadyDecided, errStop
	}
	if err != nil {
		return "", fmt.Errorf("save suggestion: %w", err)
	}
	r.prog.Suggestion = &SuggestionRef{ID: s.ID, Action: action, CampaignID: fields.CampaignID}
	return action, nil
}

// awaitDecision publishes the suggestion on the message and ends the
// automated part of triage.
func (p *Pipeline) awaitDecision(ctx context.Context, r *run) (string, error) {
	enrich := map[string]any{
		models.FieldTriageStatus: models.TriageSuggested,
		models.FieldSuggestionID: r.prog.Suggestion.ID,
	}
	if r.prog.Suggestion.CampaignID != "" {
		enrich[models.FieldCampaignID] = r.prog.Suggestion.CampaignID
	}
	if r.prog.Output != nil && r.prog.Output.Sentiment != "" {
		enrich[models.FieldSentiment] = r.prog.Output.Sentiment
	}
	if err := p.store.UpdateEnrichment(ctx, r.ent.ID, enrich); err != nil {
		return "", fmt.Errorf("publish suggestion: %w", err)
	}
	r.prog.Outcome = OutcomeSuggested
	return OutcomeSuggested, nil
}
