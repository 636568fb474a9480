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

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Email directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Triage states, held on the message. Legacy never supplies them.
const (
	TriagePending    = "pending"
	TriageSuggested  = "suggested"
	TriageManual     = "needs_manual_triage"
	TriageActioned   = "actioned"
	TriageNotInbound = "not_applicable"
)

// Enrichment field names on email entities.
const (
	FieldTriageStatus = "triage_status"
	FieldCampaignID   = "campaign_id"
	FieldSentiment    = "sentiment"
	FieldSuggestionID = "suggestion_id"
)

// Message is an email mirrored from the legacy inbox or sent through it.
type Message struct {
	Direction      string         `json:"direction"`
	From           EmailAddress   `json:"from"`
	To             []EmailAddress `json:"to"`
	Subject        string         `json:"subject"`
	BodyHTML       string         `json:"body_html"`
	ReceivedAt     *time.Time     `json:"received_at"`
	CaseRef        string         `json:"case_ref"`
	ConstituentRef string         `json:"constituent_ref"`
	Actioned       bool           `json:"actioned"`

	TriageStatus *string `json:"triage_status"`
	CampaignID   *string `json:"campaign_id"`
	Sentiment    *string `json:"sentiment"`
	SuggestionID *string `json:"suggestion_id"`
}

// Outbox statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxSent       = "sent"
	OutboxFailed     = "failed"
)

// OutboxMessage is an outbound email waiting for the delivery worker.
type OutboxMessage struct {
	ID          string     `json:"id"`
	OfficeID    string     `json:"office_id"`
	To          string     `json:"to"`
	Subject     string     `json:"subject"`
	BodyHTML    string     `json:"body_html"`
	CaseID      string     `json:"case_id,omitempty"`
	CampaignID  string     `json:"campaign_id,omitempty"`
	Status      string     `json:"status"`
	ErrorLog    string     `json:"error_log,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
