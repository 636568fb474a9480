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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/casebridge/internal/models"
)

// PGStore is the Postgres-backed Store. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never take the same job.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a job store backed by the given pool. It ensures the
// schema exists on creation.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure job schema: %w", err)
	}
	slog.Info("job store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id               UUID PRIMARY KEY,
			kind             TEXT NOT NULL,
			office_id        TEXT NOT NULL DEFAULT '',
			payload          JSONB NOT NULL DEFAULT '{}',
			state            TEXT NOT NULL,
			attempt_count    INT NOT NULL DEFAULT 0,
			max_attempts     INT NOT NULL DEFAULT 0,
			dedupe_key       TEXT,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			worker_id        TEXT,
			next_attempt_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			lease_expires_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ,
			error            TEXT NOT NULL DEFAULT '',
			output           JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(next_attempt_at)
			WHERE state IN ('created', 'retry');
		CREATE INDEX IF NOT EXISTS idx_jobs_active ON jobs(lease_expires_at)
			WHERE state = 'active';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(kind, dedupe_key)
			WHERE dedupe_key IS NOT NULL AND state IN ('created', 'active', 'retry');
	`)
	return err
}

const jobColumns = `
	id::text, kind, office_id, payload, state, attempt_count, max_attempts,
	COALESCE(dedupe_key, ''), cancel_requested, COALESCE(worker_id, ''),
	next_attempt_at, lease_expires_at, created_at, started_at, completed_at,
	error, output`

// scanJob scans a single row into a Job.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j               models.Job
		state           string
		payload, output []byte
	)
	err := row.Scan(
		&j.ID, &j.Kind, &j.OfficeID, &payload, &state, &j.AttemptCount, &j.MaxAttempts,
		&j.DedupeKey, &j.CancelRequested, &j.WorkerID,
		&j.NextAttemptAt, &j.LeaseExpiresAt, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
		&j.Error, &output,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.State = models.JobState(state)
	j.Payload = json.RawMessage(payload)
	if len(output) > 0 {
		j.Output = json.RawMessage(output)
	}
	return &j, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PGStore) Enqueue(ctx context.Context, nj NewJob) (*models.Job, bool, error) {
	payload, err := json.Marshal(nj.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s payload: %w", nj.Kind, err)
	}
	now := time.Now().UTC()
	runAt := nj.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	j, err := scanJob(s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, office_id, payload, state, max_attempts, dedupe_key, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 'created', $5, $6, $7, $8)
		RETURNING `+jobColumns,
		uuid.NewString(), nj.Kind, nj.OfficeID, payload, nj.MaxAttempts, nullable(nj.DedupeKey), runAt, now))
	if err == nil {
		return j, true, nil
	}

	var pgErr *pgconn.PgError
	if nj.DedupeKey == "" || !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, false, fmt.Errorf("insert %s job: %w", nj.Kind, err)
	}
	existing, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE kind = $1 AND dedupe_key = $2 AND state IN ('created', 'active', 'retry')
	`, nj.Kind, nj.DedupeKey))
	if err != nil {
		return nil, false, fmt.Errorf("load deduplicated %s job: %w", nj.Kind, err)
	}
	return existing, false, nil
}

func (s *PGStore) Claim(ctx context.Context, workerID string, kinds []string, now, leaseUntil time.Time) (*models.Job, error) {
	if _, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = CASE
				WHEN cancel_requested THEN 'cancelled'
				WHEN max_attempts > 0 AND attempt_count >= max_attempts THEN 'failed'
				ELSE 'retry' END,
			completed_at = CASE
				WHEN cancel_requested OR (max_attempts > 0 AND attempt_count >= max_attempts) THEN $1
				ELSE completed_at END,
			next_attempt_at = $1,
			worker_id = NULL,
			lease_expires_at = NULL,
			error = 'worker lease expired'
		WHERE state = 'active' AND lease_expires_at < $1
	`, now); err != nil {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}

	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			state = 'active',
			worker_id = $2,
			attempt_count = attempt_count + 1,
			started_at = $1,
			lease_expires_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE state IN ('created', 'retry')
			  AND NOT cancel_requested
			  AND next_attempt_at <= $1
			  AND kind = ANY($4)
			ORDER BY next_attempt_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, workerID, leaseUntil, kinds))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// ownedUpdate runs an UPDATE guarded by ownership and maps a miss to
// ErrNotFound or ErrLeaseLost.
func (s *PGStore) ownedUpdate(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

func (s *PGStore) Heartbeat(ctx context.Context, id, workerID string, leaseUntil time.Time) error {
	return s.ownedUpdate(ctx, id, `
		UPDATE jobs SET lease_expires_at = $3
		WHERE id = $1 AND worker_id = $2 AND state = 'active'
	`, id, workerID, leaseUntil)
}

func (s *PGStore) SaveProgress(ctx context.Context, id, workerID string, output json.RawMessage) error {
	return s.ownedUpdate(ctx, id, `
		UPDATE jobs SET output = $3
		WHERE id = $1 AND worker_id = $2 AND state = 'active'
	`, id, workerID, []byte(output))
}

func (s *PGStore) Finish(ctx context.Context, id, workerID string, out Outcome, now time.Time) (*models.Job, error) {
	switch out.State {
	case models.JobCompleted, models.JobFailed, models.JobRetry:
	default:
		return nil, fmt.Errorf("finish %s: invalid state %q", id, out.State)
	}
	var output []byte
	if out.Output != nil {
		output = out.Output
	}

	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			state = CASE WHEN cancel_requested THEN 'cancelled' ELSE $3 END,
			output = CASE WHEN cancel_requested OR $4::jsonb IS NULL THEN output ELSE $4::jsonb END,
			error = CASE WHEN cancel_requested THEN error ELSE $5 END,
			next_attempt_at = CASE WHEN $3 = 'retry' THEN $6 ELSE next_attempt_at END,
			completed_at = CASE WHEN cancel_requested OR $3 <> 'retry' THEN $7 ELSE completed_at END,
			worker_id = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND state = 'active'
		RETURNING `+jobColumns,
		id, workerID, string(out.State), output, out.Error, out.RunAt, now))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return j, err
}

func (s *PGStore) Cancel(ctx context.Context, id string, now time.Time) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			cancel_requested = TRUE,
			state = CASE WHEN state IN ('created', 'retry') THEN 'cancelled' ELSE state END,
			completed_at = CASE WHEN state IN ('created', 'retry') THEN $2 ELSE completed_at END
		WHERE id = $1 AND state IN ('created', 'retry', 'active')
		RETURNING `+jobColumns, id, now))
	if errors.Is(err, ErrNotFound) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, fmt.Errorf("%w: %s is %s", ErrTerminal, id, existing.State)
	}
	return j, err
}

func (s *PGStore) Get(ctx context.Context, id string) (*models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

func (s *PGStore) Counts(ctx context.Context) (map[string]models.KindHealth, *time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind,
			COUNT(*) FILTER (WHERE state = 'created'),
			COUNT(*) FILTER (WHERE state = 'retry'),
			COUNT(*) FILTER (WHERE state = 'active')
		FROM jobs
		WHERE state IN ('created', 'retry', 'active')
		GROUP BY kind
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.KindHealth)
	for rows.Next() {
		var (
			kind string
			h    models.KindHealth
		)
		if err := rows.Scan(&kind, &h.Pending, &h.Retry, &h.Active); err != nil {
			return nil, nil, err
		}
		out[kind] = h
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var last *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(started_at) FROM jobs`).Scan(&last); err != nil {
		return nil, nil, fmt.Errorf("last claim: %w", err)
	}
	return out, last, nil
}

func (s *PGStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
