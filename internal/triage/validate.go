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
	"fmt"
	"slices"

	"github.com/bcem/casebridge/internal/classifier"
	"github.com/bcem/casebridge/internal/models"
)

// Suggest turns classifier output into suggestion fields that only reference
// ids present in snap. Every id the classifier invented is dropped and
// reported. An action whose required reference was dropped, or whose
// confidence is below floor, becomes manual_review.
//
// Suggest is pure: the same output and snapshot always give the same result.
func Suggest(out *classifier.Output, snap *classifier.Context, floor float64) (action string, fields models.SuggestedFields, dropped []string) {
	action = out.Action
	f := out.Fields
	ref := snap.Reference

	drop := func(name, value string) {
		dropped = append(dropped, fmt.Sprintf("%s=%s", name, value))
	}

	if f.CaseID != "" && !slices.ContainsFunc(snap.Cases, func(c classifier.Case) bool { return c.ID == f.CaseID }) {
		drop("case_id", f.CaseID)
		f.CaseID = ""
	}
	if f.CaseTypeRef != "" && !hasRef(ref.CaseTypes, f.CaseTypeRef) {
		drop("case_type_ref", f.CaseTypeRef)
		f.CaseTypeRef = ""
	}
	if f.AssignedToRef != "" && !hasRef(ref.Caseworkers, f.AssignedToRef) {
		drop("assigned_to_ref", f.AssignedToRef)
		f.AssignedToRef = ""
	}
	if f.Priority != "" && !slices.Contains(ref.Priorities, f.Priority) {
		drop("priority", f.Priority)
		f.Priority = ""
	}
	var tags []string
	for _, t := range f.TagRefs {
		if hasRef(ref.Tags, t) {
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
			continue
		}
		drop("tag_ref", t)
	}
	f.TagRefs = tags
	if f.CampaignID != "" && !slices.ContainsFunc(snap.Campaigns, func(c classifier.Campaign) bool { return c.ID == f.CampaignID }) {
		drop("campaign_id", f.CampaignID)
		f.CampaignID = ""
	}
	if f.CampaignID == "" && len(snap.Campaigns) > 0 {
		f.CampaignID = snap.Campaigns[0].ID
	}

	switch {
	case action == models.ActionAddToCase && f.CaseID == "":
		drop("action", action+" without a known case")
		action = models.ActionManualReview
	case action == models.ActionCreateCase && f.CaseTypeRef == "":
		drop("action", action+" without a known case type")
		action = models.ActionManualReview
	case action != models.ActionManualReview && floor > 0 && out.Confidence[action] < floor:
		drop("action", fmt.Sprintf("%s (confidence %.2f below %.2f)", action, out.Confidence[action], floor))
		action = models.ActionManualReview
	}
	return action, f, dropped
}

// CheckDecision validates human-chosen fields against live reference data
// and the suggestion's snapshot.
func CheckDecision(d models.Decision, snap *classifier.Context, ref models.ReferenceData) error {
	if !slices.Contains(models.Actions, d.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
	}
	f := d.Fields
	switch {
	case f.CaseTypeRef != "" && !hasRef(ref.CaseTypes, f.CaseTypeRef):
		return fmt.Errorf("%w: unknown case type %s", ErrInvalidDecision, f.CaseTypeRef)
	case f.AssignedToRef != "" && !hasRef(ref.Caseworkers, f.AssignedToRef):
		return fmt.Errorf("%w: unknown caseworker %s", ErrInvalidDecision, f.AssignedToRef)
	case f.Priority != "" && !slices.Contains(ref.Priorities, f.Priority):
		return fmt.Errorf("%w: unknown priority %s", ErrInvalidDecision, f.Priority)
	}
	for _, t := range f.TagRefs {
		if !hasRef(ref.Tags, t) {
			return fmt.Errorf("%w: unknown tag %s", ErrInvalidDecision, t)
		}
	}
	switch d.Action {
	case models.ActionCreateCase:
		if f.CaseTypeRef == "" {
			return fmt.Errorf("%w: create_case needs a case type", ErrInvalidDecision)
		}
	case models.ActionAddToCase:
		if f.CaseID == "" {
			return fmt.Errorf("%w: add_to_case needs a case", ErrInvalidDecision)
		}
	case models.ActionReply:
		if f.ReplyBody == "" {
			return fmt.Errorf("%w: reply needs a body", ErrInvalidDecision)
		}
		if snap.Message.From == "" {
			return fmt.Errorf("%w: message has no sender to reply to", ErrInvalidDecision)
		}
	}
	return nil
}

func hasRef(items []models.RefItem, id string) bool {
	return slices.ContainsFunc(items, func(r models.RefItem) bool { return r.ID == id })
}
