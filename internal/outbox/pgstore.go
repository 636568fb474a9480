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

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/casebridge/internal/models"
)

// PGStore is the Postgres-backed outbox.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates an outbox store and ensures its table exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure outbox schema: %w", err)
	}
	slog.Info("outbox store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS outbox (
			id           TEXT PRIMARY KEY,
			office_id    TEXT NOT NULL,
			recipient    TEXT NOT NULL,
			subject      TEXT NOT NULL,
			body_html    TEXT NOT NULL,
			case_id      TEXT DEFAULT '',
			campaign_id  TEXT DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			error_log    TEXT DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_office ON outbox(office_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, created_at);
	`)
	return err
}

const outboxColumns = `id, office_id, recipient, subject, body_html, case_id, campaign_id,
	status, error_log, created_at, processed_at`

func (s *PGStore) Insert(ctx context.Context, m *models.OutboxMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Status = models.OutboxPending
	row := s.pool.QueryRow(ctx, `
		INSERT INTO outbox (id, office_id, recipient, subject, body_html, case_id, campaign_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, m.ID, m.OfficeID, m.To, m.Subject, m.BodyHTML, m.CaseID, m.CampaignID, m.Status)
	if err := row.Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*models.OutboxMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox message %s: %w", id, err)
	}
	return m, nil
}

func (s *PGStore) List(ctx context.Context, officeID, status string, limit int) ([]models.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE office_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3
	`, officeID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PGStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale outbox: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PGStore) exec(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update outbox message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) MarkProcessing(ctx context.Context, id string) error {
	return s.exec(ctx, id, `UPDATE outbox SET status = 'processing' WHERE id = $1`)
}

func (s *PGStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id, `UPDATE outbox SET status = 'sent', processed_at = $2 WHERE id = $1`, at)
}

func (s *PGStore) MarkFailed(ctx context.Context, id, errMsg string, final bool, at time.Time) error {
	line := at.UTC().Format(time.RFC3339) + " " + errMsg
	return s.exec(ctx, id, `
		UPDATE outbox SET
			error_log    = CASE WHEN error_log = '' THEN $2 ELSE error_log || E'\n' || $2 END,
			status       = CASE WHEN $3 THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN $3 THEN $4::timestamptz ELSE processed_at END
		WHERE id = $1
	`, line, final, at)
}

func (s *PGStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE status IN ('sent', 'failed') AND processed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*models.OutboxMessage, error) {
	var m models.OutboxMessage
	err := row.Scan(&m.ID, &m.OfficeID, &m.To, &m.Subject, &m.BodyHTML, &m.CaseID, &m.CampaignID,
		&m.Status, &m.ErrorLog, &m.CreatedAt, &m.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]models.OutboxMessage, error) {
	var out []models.OutboxMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
