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

package models

import (
	"encoding/json"
	"time"
)

// Suggested actions.
const (
	ActionCreateCase   = "create_case"
	ActionAddToCase    = "add_to_case"
	ActionReply        = "reply"
	ActionIgnore       = "ignore"
	ActionManualReview = "manual_review"
)

// Actions lists every action a suggestion may carry.
var Actions = []string{ActionCreateCase, ActionAddToCase, ActionReply, ActionIgnore, ActionManualReview}

// SuggestedFields are the classifier-extracted values, revalidated against
// office reference data before they are persisted.
type SuggestedFields struct {
	CaseID        string   `json:"case_id,omitempty"`
	CaseTypeRef   string   `json:"case_type_ref,omitempty"`
	AssignedToRef string   `json:"assigned_to_ref,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	TagRefs       []string `json:"tag_refs,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	ReplySubject  string   `json:"reply_subject,omitempty"`
	ReplyBody     string   `json:"reply_body,omitempty"`
	CampaignID    string   `json:"campaign_id,omitempty"`
}

// TriageSuggestion is derived, never authoritative. It is frozen once a
// decision has been recorded against its message.
type TriageSuggestion struct {
	ID         string             `json:"id"`
	OfficeID   string             `json:"office_id"`
	MessageID  string             `json:"message_id"`
	JobID      string             `json:"job_id,omitempty"`
	Action     string             `json:"action"`
	Confidence map[string]float64 `json:"confidence"`
	Fields     SuggestedFields    `json:"fields"`
	Dropped    []string           `json:"dropped,omitempty"`
	Context    json.RawMessage    `json:"context"`
	CreatedAt  time.Time          `json:"created_at"`
	DecidedAt  *time.Time         `json:"decided_at,omitempty"`
	Decision   *Decision          `json:"decision,omitempty"`
}

// Decision is a human or autonomous-policy ruling on a suggestion.
type Decision struct {
	Action     string          `json:"action"`
	Fields     SuggestedFields `json:"fields"`
	DecidedBy  string          `json:"decided_by"`
	Autonomous bool            `json:"autonomous"`
}

// Lease is a time-bounded exclusive hold on the shared automation session.
type Lease struct {
	Resource  string    `json:"resource"`
	OfficeID  string    `json:"office_id"`
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
