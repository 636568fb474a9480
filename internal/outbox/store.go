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

// Package outbox holds outbound email until the delivery worker sends it
// through the automation bot. Any write path that needs to email someone
// inserts a row here; the email_deliver job owns it from then on.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

// ErrNotFound is returned when no outbox row matches.
var ErrNotFound = errors.New("outbox message not found")

// Store persists outbox rows.
type Store interface {
	Insert(ctx context.Context, m *models.OutboxMessage) error
	Get(ctx context.Context, id string) (*models.OutboxMessage, error)
	// List returns an office's rows, newest first. An empty status matches
	// all statuses.
	List(ctx context.Context, officeID, status string, limit int) ([]models.OutboxMessage, error)
	// ListStale returns pending rows created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.OutboxMessage, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkFailed appends to the error log. A final failure is terminal;
	// otherwise the row returns to pending for the next attempt.
	MarkFailed(ctx context.Context, id, errMsg string, final bool, at time.Time) error
	// Purge deletes sent and failed rows processed before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

func appendLog(existing, msg string, at time.Time) string {
	line := at.UTC().Format(time.RFC3339) + " " + msg
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
