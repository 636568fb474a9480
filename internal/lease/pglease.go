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

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/casebridge/internal/models"
)

// PGLease keeps the lease in a single Postgres row. Acquire is one
// conditional upsert, so two concurrent callers can never both win.
type PGLease struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGLease creates a Postgres-backed lease and ensures its table exists.
func NewPGLease(ctx context.Context, pool *pgxpool.Pool) (*PGLease, error) {
	l := &PGLease{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure lease schema: %w", err)
	}
	slog.Info("automation lease store initialised")
	return l, nil
}

func (l *PGLease) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS automation_lease (
			resource   TEXT PRIMARY KEY,
			office_id  TEXT NOT NULL,
			holder     TEXT NOT NULL,
			token      TEXT NOT NULL,
			locked_at  TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

const leaseColumns = `resource, office_id, holder, token, locked_at, expires_at`

func (l *PGLease) Acquire(ctx context.Context, officeID, holder string, ttl time.Duration) (Result, error) {
	now := l.now()
	next := newLease(officeID, holder, now, ttlOrDefault(ttl))

	row := l.pool.QueryRow(ctx, `
		INSERT INTO automation_lease (`+leaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource) DO UPDATE SET
			office_id  = EXCLUDED.office_id,
			holder     = EXCLUDED.holder,
			token      = EXCLUDED.token,
			locked_at  = EXCLUDED.locked_at,
			expires_at = EXCLUDED.expires_at
		WHERE automation_lease.expires_at <= EXCLUDED.locked_at
		RETURNING `+leaseColumns,
		next.Resource, next.OfficeID, next.Holder, next.Token, next.LockedAt, next.ExpiresAt)
	granted, err := scanLease(row)
	if err == nil {
		return Result{Granted: true, Lease: granted}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("acquire lease: %w", err)
	}

	current, err := l.Current(ctx)
	if err != nil {
		return Result{}, err
	}
	if current == nil {
		// Released between the upsert and the read; the caller retries.
		current = &models.Lease{Resource: Resource}
	}
	return Result{Holder: current}, nil
}

func (l *PGLease) Renew(ctx context.Context, lease *models.Lease, ttl time.Duration) (*models.Lease, error) {
	row := l.pool.QueryRow(ctx, `
		UPDATE automation_lease SET expires_at = $3
		WHERE resource = $1 AND token = $2
		RETURNING `+leaseColumns,
		Resource, lease.Token, l.now().Add(ttlOrDefault(ttl)))
	renewed, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	return renewed, nil
}

func (l *PGLease) Release(ctx context.Context, lease *models.Lease) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM automation_lease WHERE resource = $1 AND token = $2`,
		Resource, lease.Token)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (l *PGLease) Current(ctx context.Context) (*models.Lease, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+leaseColumns+` FROM automation_lease
		WHERE resource = $1 AND expires_at > $2
	`, Resource, l.now())
	current, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	return current, nil
}

func (l *PGLease) ForceRelease(ctx context.Context) (bool, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM automation_lease WHERE resource = $1 AND expires_at > $2`,
		Resource, l.now())
	if err != nil {
		return false, fmt.Errorf("force release lease: %w", err)
	}
	if _, err := l.pool.Exec(ctx, `DELETE FROM automation_lease WHERE resource = $1`, Resource); err != nil {
		return false, fmt.Errorf("force release lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanLease(row pgx.Row) (*models.Lease, error) {
	var le models.Lease
	if err := row.Scan(&le.Resource, &le.OfficeID, &le.Holder, &le.Token, &le.LockedAt, &le.ExpiresAt); err != nil {
		return nil, err
	}
	le.LockedAt = le.LockedAt.UTC()
	le.ExpiresAt = le.ExpiresAt.UTC()
	return &le, nil
}
