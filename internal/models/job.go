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

// JobState is a job's position in the queue state machine:
// created -> active -> {completed | retry -> active | failed}. Cancelled is
// terminal and reachable from any non-terminal state.
type JobState string

const (
	JobCreated   JobState = "created"
	JobActive    JobState = "active"
	JobRetry     JobState = "retry"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job kinds.
const (
	KindTriageProcess   = "triage_process"
	KindEmailDeliver    = "email_deliver"
	KindLegacyWrite     = "legacy_write"
	KindDecisionRealise = "decision_realise"
)

// Job is a unit of asynchronous work. While active it is owned by exactly
// one worker (WorkerID) until LeaseExpiresAt.
type Job struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	OfficeID        string          `json:"office_id"`
	Payload         json.RawMessage `json:"payload"`
	State           JobState        `json:"state"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	DedupeKey       string          `json:"dedupe_key,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	WorkerID        string          `json:"worker_id,omitempty"`
	NextAttemptAt   time.Time       `json:"next_attempt_at"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
}

// JobStatus is the view returned by the status query.
type JobStatus struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	State        JobState        `json:"state"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Status projects a job onto its status view.
func (j *Job) Status() JobStatus {
	return JobStatus{
		ID:           j.ID,
		Kind:         j.Kind,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		Output:       j.Output,
		Error:        j.Error,
	}
}

// KindHealth holds per-kind queue counts.
type KindHealth struct {
	Pending int `json:"pending"`
	Retry   int `json:"retry"`
	Active  int `json:"active"`
}

// QueueHealth is reported by the queue-health endpoint.
type QueueHealth struct {
	Kinds       map[string]KindHealth `json:"kinds"`
	LastClaimAt *time.Time            `json:"last_claim_at,omitempty"`
	Stalled     bool                  `json:"stalled"`
}
