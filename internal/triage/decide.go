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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/casebridge/internal/acl"
	"github.com/bcem/casebridge/internal/classifier"
	"github.com/bcem/casebridge/internal/dualwrite"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
)

// ErrInvalidDecision is returned when a decision references unknown data or
// lacks what its action needs.
var ErrInvalidDecision = errors.New("invalid triage decision")

// errWaiting stops a realisation until an earlier write reaches legacy.
var errWaiting = errors.New("waiting for an earlier write to reach the legacy system")

// Realisation states.
const (
	Realised = "realised"
	// Deferred means part of the decision waits for an earlier write to
	// reach the legacy system. A decision_realise job finishes it.
	Deferred = "deferred"
	Refused  = "rejected"
)

const (
	realiseAttempts = 40
	realiseWait     = 30 * time.Second
)

// Committer is the sync engine's commit path.
type Committer interface {
	Commit(ctx context.Context, officeID string, c dualwrite.Change) (dualwrite.Result, error)
}

// Mailer queues outbound email.
type Mailer interface {
	Queue(ctx context.Context, m *models.OutboxMessage) (*models.OutboxMessage, error)
}

// DecisionOutcome reports what a decision did.
type DecisionOutcome struct {
	Suggestion *models.TriageSuggestion `json:"suggestion"`
	Status     string                   `json:"status"`
	Reason     string                   `json:"reason,omitempty"`
	Writes     []dualwrite.Result       `json:"writes,omitempty"`
	OutboxID   string                   `json:"outbox_id,omitempty"`
	JobID      string                   `json:"job_id,omitempty"`
}

// Realisation is the checkpointed progress of one decision. A step that is
// recorded here is never repeated by a later attempt.
type Realisation struct {
	ConstituentID  string `json:"constituent_id,omitempty"`
	ConstituentRef string `json:"constituent_ref,omitempty"`
	ContactDone    bool   `json:"contact_done,omitempty"`
	CaseID         string `json:"case_id,omitempty"`
	CaseRef        string `json:"case_ref,omitempty"`
	OutboxID       string `json:"outbox_id,omitempty"`
	MessageDone    bool   `json:"message_done,omitempty"`
	Status         string `json:"status,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// realiseJob is the payload of a decision_realise job.
type realiseJob struct {
	SuggestionID string      `json:"suggestion_id"`
	Progress     Realisation `json:"progress"`
}

// Decider records decisions and realises them through the sync engine.
type Decider struct {
	store       shadow.Store
	suggestions shadow.SuggestionStore
	writes      Committer
	mail        Mailer
	jobs        Enqueuer
	now         func() time.Time
	wait        time.Duration
}

// NewDecider creates a decider. Decisions that cannot finish at once are
// handed to jobs as decision_realise jobs; register the decider as their
// handler.
func NewDecider(store shadow.Store, suggestions shadow.SuggestionStore, writes Committer, mail Mailer, jobs Enqueuer) *Decider {
	return &Decider{
		store:       store,
		suggestions: suggestions,
		writes:      writes,
		mail:        mail,
		jobs:        jobs,
		now:         time.Now,
		wait:        realiseWait,
	}
}

// Decide records d against the suggestion, freezing it, then performs the
// decided action. Nothing is written to legacy before a decision exists.
// Whatever cannot be finished now is resumed by a decision_realise job.
func (dc *Decider) Decide(ctx context.Context, officeID, suggestionID string, d models.Decision) (*DecisionOutcome, error) {
	s, err := dc.suggestions.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	if s.OfficeID != officeID {
		return nil, fmt.Errorf("%w: suggestion %s", shadow.ErrNotFound, suggestionID)
	}
	if s.DecidedAt != nil {
		return nil, fmt.Errorf("%w: suggestion %s", shadow.ErrFrozen, suggestionID)
	}

	var snap classifier.Context
	if err := json.Unmarshal(s.Context, &snap); err != nil {
		return nil, fmt.Errorf("decode context snapshot: %w", err)
	}
	ref, err := dc.store.ReferenceData(ctx, officeID)
	if err != nil {
		return nil, fmt.Errorf("load reference data: %w", err)
	}
	if err := CheckDecision(d, &snap, ref); err != nil {
		return nil, err
	}
	if d.Action == models.ActionAddToCase {
		target, err := dc.store.Get(ctx, d.Fields.CaseID)
		if errors.Is(err, shadow.ErrNotFound) || (err == nil && (target.OfficeID != officeID || target.Type != models.EntityCase)) {
			return nil, fmt.Errorf("%w: unknown case %s", ErrInvalidDecision, d.Fields.CaseID)
		}
		if err != nil {
			return nil, fmt.Errorf("load case %s: %w", d.Fields.CaseID, err)
		}
	}

	frozen, err := dc.suggestions.RecordDecision(ctx, s.ID, d, dc.now().UTC())
	if err != nil {
		return nil, err
	}
	slog.Info("triage decision recorded",
		"office", officeID,
		"suggestion_id", s.ID,
		"message_id", s.MessageID,
		"action", d.Action,
		"suggested_action", s.Action,
		"autonomous", d.Autonomous,
	)

	out := &DecisionOutcome{Suggestion: frozen}
	prog := &Realisation{}
	err = dc.advance(ctx, officeID, frozen, &snap, prog, out, func(context.Context) error { return nil })
	if err == nil && prog.Status != Refused {
		err = dc.finish(ctx, frozen, prog)
	}
	out.OutboxID = prog.OutboxID
	switch {
	case err == nil:
		out.Status, out.Reason = prog.Status, prog.Reason
		return out, nil
	case errors.Is(err, errWaiting):
		return dc.handOff(ctx, officeID, frozen, prog, out, dc.now().Add(dc.wait))
	default:
		// The decision is frozen; the job retries the failed step.
		slog.Warn("decision realisation failed, handing to job",
			"office", officeID, "suggestion_id", frozen.ID, "error", err)
		prog.Reason = err.Error()
		return dc.handOff(ctx, officeID, frozen, prog, out, time.Time{})
	}
}

// handOff enqueues the rest of the realisation, starting from prog.
func (dc *Decider) handOff(ctx context.Context, officeID string, s *models.TriageSuggestion, prog *Realisation, out *DecisionOutcome, runAt time.Time) (*DecisionOutcome, error) {
	job, _, err := dc.jobs.Enqueue(ctx, queue.NewJob{
		Kind:        models.KindDecisionRealise,
		OfficeID:    officeID,
		Payload:     realiseJob{SuggestionID: s.ID, Progress: *prog},
		DedupeKey:   s.ID,
		MaxAttempts: realiseAttempts,
		RunAt:       runAt,
	})
	if err != nil {
		return out, fmt.Errorf("enqueue decision realisation: %w", err)
	}
	out.Status, out.Reason, out.JobID = Deferred, prog.Reason, job.ID
	return out, nil
}

// Handle implements queue.Handler for decision_realise jobs.
func (dc *Decider) Handle(ctx context.Context, job *models.Job, checkpoint queue.Checkpoint) (any, error) {
	var p realiseJob
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.SuggestionID == "" {
		return nil, queue.Permanent(fmt.Errorf("invalid decision_realise payload: %s", job.Payload))
	}
	prog := &p.Progress
	if len(job.Output) > 0 {
		saved := &Realisation{}
		if err := json.Unmarshal(job.Output, saved); err != nil {
			slog.Warn("discarding unreadable realisation progress", "job_id", job.ID, "error", err)
		} else {
			prog = saved
		}
	}
	prog.Reason = ""

	s, err := dc.suggestions.GetSuggestion(ctx, p.SuggestionID)
	if errors.Is(err, shadow.ErrNotFound) {
		return nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("load suggestion %s: %w", p.SuggestionID, err)
	}
	if s.OfficeID != job.OfficeID || s.Decision == nil {
		return nil, queue.Permanent(fmt.Errorf("suggestion %s has no decision for office %s", s.ID, job.OfficeID))
	}
	var snap classifier.Context
	if err := json.Unmarshal(s.Context, &snap); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode context snapshot: %w", err))
	}

	log := slog.With("job_id", job.ID, "office", job.OfficeID, "suggestion_id", s.ID,
		"message_id", s.MessageID, "action", s.Decision.Action, "attempt", job.AttemptCount)
	save := func(ctx context.Context) error { return checkpoint(ctx, prog) }

	err = dc.advance(ctx, job.OfficeID, s, &snap, prog, &DecisionOutcome{Suggestion: s}, save)
	if err == nil && prog.Status != Refused {
		err = dc.finish(ctx, s, prog)
	}
	exhausted := job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts

	switch {
	case err == nil && prog.Status == Refused:
		log.Warn("triage decision rejected", "reason", prog.Reason)
		dc.flag(ctx, s, "triage decision rejected: "+prog.Reason)
		return prog, nil
	case err == nil:
		log.Info("triage decision realised")
		return prog, nil
	case exhausted:
		reason := prog.Reason
		if reason == "" {
			reason = err.Error()
		}
		log.Error("triage decision not realised, attempts exhausted", "reason", reason)
		dc.flag(ctx, s, "triage decision not realised: "+reason)
		return prog, queue.Permanent(err)
	case errors.Is(err, errWaiting):
		log.Info("triage decision waiting", "reason", prog.Reason)
		return prog, queue.RetryAt(fmt.Errorf("%s: %w", prog.Reason, err), dc.now().Add(dc.wait))
	}
	return prog, err
}

// finish marks the message with its final triage status.
func (dc *Decider) finish(ctx context.Context, s *models.TriageSuggestion, prog *Realisation) error {
	status := models.TriageActioned
	if s.Decision.Action == models.ActionManualReview {
		status = models.TriageManual
	}
	if err := dc.store.UpdateEnrichment(ctx, s.MessageID, map[string]any{
		models.FieldTriageStatus: status,
	}); err != nil {
		return fmt.Errorf("update triage status: %w", err)
	}
	prog.Status = Realised
	return nil
}

// flag leaves a visible sync error on the message.
func (dc *Decider) flag(ctx context.Context, s *models.TriageSuggestion, message string) {
	if err := dc.store.MarkSyncError(ctx, s.MessageID, message); err != nil {
		slog.Error("flag message sync error failed", "message_id", s.MessageID, "error", err)
	}
}

// advance runs every step prog has not recorded yet. It returns errWaiting
// when a step needs an external id that legacy has not confirmed yet.
func (dc *Decider) advance(ctx context.Context, officeID string, s *models.TriageSuggestion, snap *classifier.Context, prog *Realisation, out *DecisionOutcome, save func(context.Context) error) error {
	d := s.Decision
	switch d.Action {
	case models.ActionManualReview:
		return nil

	case models.ActionIgnore:
		return dc.markMessage(ctx, officeID, s, map[string]any{"actioned": true}, prog, out, save)

	case models.ActionReply:
		if prog.OutboxID == "" {
			subject := d.Fields.ReplySubject
			if subject == "" {
				subject = replySubject(snap.Message.Subject)
			}
			msg, err := dc.mail.Queue(ctx, &models.OutboxMessage{
				OfficeID:   officeID,
				To:         snap.Message.From,
				Subject:    subject,
				BodyHTML:   d.Fields.ReplyBody,
				CaseID:     d.Fields.CaseID,
				CampaignID: d.Fields.CampaignID,
			})
			if err != nil {
				return fmt.Errorf("queue reply: %w", err)
			}
			prog.OutboxID = msg.ID
			if err := save(ctx); err != nil {
				return err
			}
		}
		return dc.markMessage(ctx, officeID, s, map[string]any{"actioned": true}, prog, out, save)

	case models.ActionAddToCase:
		if prog.CaseRef == "" {
			ref, err := dc.await(ctx, d.Fields.CaseID, "the case", prog)
			if err != nil || prog.Status == Refused {
				return err
			}
			prog.CaseRef = ref
		}
		return dc.markMessage(ctx, officeID, s, map[string]any{"actioned": true, "case_ref": prog.CaseRef}, prog, out, save)

	case models.ActionCreateCase:
		return dc.createCase(ctx, officeID, s, snap, prog, out, save)
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
}

// createCase creates the case, first creating the sender as a constituent
// when triage found no match.
func (dc *Decider) createCase(ctx context.Context, officeID string, s *models.TriageSuggestion, snap *classifier.Context, prog *Realisation, out *DecisionOutcome, save func(context.Context) error) error {
	f := s.Decision.Fields
	matched := snap.Matched && snap.Constituent != nil
	if matched && prog.ConstituentRef == "" && prog.ConstituentID == "" {
		prog.ConstituentID, prog.ConstituentRef = snap.Constituent.ID, snap.Constituent.ExternalID
	}

	if prog.ConstituentRef == "" {
		if prog.ConstituentID == "" {
			res, err := dc.commit(ctx, officeID, prog, out, dualwrite.Change{
				Type: models.EntityConstituent, Op: acl.OpCreate,
				Fields: constituentFields(snap.Message),
			})
			if err != nil || prog.Status == Refused {
				return err
			}
			prog.ConstituentID, prog.ConstituentRef = res.EntityID, res.ExternalID
			if err := save(ctx); err != nil {
				return err
			}
		}
		if prog.ConstituentRef == "" {
			ref, err := dc.await(ctx, prog.ConstituentID, "the new constituent", prog)
			if err != nil || prog.Status == Refused {
				return err
			}
			prog.ConstituentRef = ref
		}
	}

	if !matched && !prog.ContactDone && snap.Message.From != "" {
		if _, err := dc.commit(ctx, officeID, prog, out, dualwrite.Change{
			Type: models.EntityContactDetail, Op: acl.OpCreate,
			Fields: map[string]any{
				"constituent_ref": prog.ConstituentRef,
				"kind":            models.ContactEmail,
				"value":           snap.Message.From,
				"primary":         true,
			},
		}); err != nil || prog.Status == Refused {
			return err
		}
		prog.ContactDone = true
		if err := save(ctx); err != nil {
			return err
		}
	}

	if prog.CaseID == "" && prog.CaseRef == "" {
		summary := f.Summary
		if summary == "" {
			summary = snap.Message.Subject
		}
		priority := f.Priority
		if priority == "" {
			priority = "medium"
		}
		caseFields := map[string]any{
			"constituent_ref": prog.ConstituentRef,
			"case_type_ref":   f.CaseTypeRef,
			"summary":         summary,
			"priority":        priority,
			"closed":          false,
		}
		if f.AssignedToRef != "" {
			caseFields["assigned_to_ref"] = f.AssignedToRef
		}
		if len(f.TagRefs) > 0 {
			caseFields["tag_refs"] = f.TagRefs
		}
		res, err := dc.commit(ctx, officeID, prog, out, dualwrite.Change{
			Type: models.EntityCase, Op: acl.OpCreate, Fields: caseFields,
		})
		if err != nil || prog.Status == Refused {
			return err
		}
		prog.CaseID, prog.CaseRef = res.EntityID, res.ExternalID
		if err := save(ctx); err != nil {
			return err
		}
	}
	if prog.CaseRef == "" {
		ref, err := dc.await(ctx, prog.CaseID, "the new case", prog)
		if err != nil || prog.Status == Refused {
			return err
		}
		prog.CaseRef = ref
	}

	return dc.markMessage(ctx, officeID, s, map[string]any{
		"actioned":        true,
		"constituent_ref": prog.ConstituentRef,
		"case_ref":        prog.CaseRef,
	}, prog, out, save)
}

// await returns the external id of a shadow row, or errWaiting while its
// create has not reached legacy. A row dropped before it got there refuses
// the decision.
func (dc *Decider) await(ctx context.Context, id, what string, prog *Realisation) (string, error) {
	e, err := dc.store.Get(ctx, id)
	if errors.Is(err, shadow.ErrNotFound) {
		prog.Status, prog.Reason = Refused, what+" was dropped before it reached the legacy system"
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", what, err)
	}
	if ext := e.External(); ext != "" {
		return ext, nil
	}
	prog.Reason = what + " is not yet in the legacy system"
	if e.SyncError != "" {
		prog.Reason += ": " + e.SyncError
	}
	return "", errWaiting
}

// markMessage links and marks the message once.
func (dc *Decider) markMessage(ctx context.Context, officeID string, s *models.TriageSuggestion, fields map[string]any, prog *Realisation, out *DecisionOutcome, save func(context.Context) error) error {
	if prog.MessageDone {
		return nil
	}
	if _, err := dc.commit(ctx, officeID, prog, out, dualwrite.Change{
		Type: models.EntityEmail, Op: acl.OpUpdate, EntityID: s.MessageID, Fields: fields,
	}); err != nil || prog.Status == Refused {
		return err
	}
	prog.MessageDone = true
	return save(ctx)
}

// commit runs one write and records it on out. A legacy rejection stops the
// realisation.
func (dc *Decider) commit(ctx context.Context, officeID string, prog *Realisation, out *DecisionOutcome, c dualwrite.Change) (dualwrite.Result, error) {
	res, err := dc.writes.Commit(ctx, officeID, c)
	if err != nil {
		return res, fmt.Errorf("commit %s %s: %w", c.Op, c.Type, err)
	}
	res.Entity = nil
	out.Writes = append(out.Writes, res)
	if res.Status == dualwrite.Rejected {
		prog.Status = Refused
		prog.Reason = fmt.Sprintf("legacy rejected %s %s: %s", c.Op, c.Type, res.Reason)
		slog.Warn("decision realisation rejected", "office", officeID, "entity_type", c.Type, "reason", res.Reason)
	}
	return res, nil
}

func constituentFields(m classifier.Message) map[string]any {
	first, last := splitName(m.FromName)
	if last == "" {
		last = m.From
		if at := strings.IndexByte(last, '@'); at > 0 {
			last = last[:at]
		}
	}
	fields := map[string]any{"last_name": last}
	if first != "" {
		fields["first_name"] = first
	}
	return fields
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
