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

package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/casebridge/internal/acl"
	"github.com/bcem/casebridge/internal/models"
)

// ErrDuplicate is returned when a write would map two rows to one legacy id.
var ErrDuplicate = errors.New("external id already mapped")

// PGStore is the Postgres-backed Store, CampaignStore and SuggestionStore.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore creates a shadow store backed by the given pool. It ensures the
// schema exists on creation.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure shadow schema: %w", err)
	}
	slog.Info("shadow store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS shadow_entities (
			id                UUID PRIMARY KEY,
			office_id         TEXT NOT NULL,
			entity_type       TEXT NOT NULL,
			external_id       TEXT,
			natural_key       TEXT NOT NULL DEFAULT '',
			data              JSONB NOT NULL DEFAULT '{}',
			legacy_version    TEXT NOT NULL DEFAULT '',
			legacy_updated_at TIMESTAMPTZ,
			version           BIGINT NOT NULL DEFAULT 1,
			pending_sync      BOOLEAN NOT NULL DEFAULT FALSE,
			pending_fields    TEXT[] NOT NULL DEFAULT '{}',
			sync_error        TEXT NOT NULL DEFAULT '',
			last_synced_at    TIMESTAMPTZ,
			deleted_at        TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(office_id, entity_type, external_id)
		);
		CREATE INDEX IF NOT EXISTS idx_shadow_type ON shadow_entities(office_id, entity_type);
		CREATE INDEX IF NOT EXISTS idx_shadow_unmapped ON shadow_entities(office_id, entity_type, natural_key)
			WHERE external_id IS NULL;
		CREATE INDEX IF NOT EXISTS idx_shadow_pending ON shadow_entities(office_id) WHERE pending_sync;

		CREATE TABLE IF NOT EXISTS sync_watermarks (
			office_id   TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			watermark   TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY(office_id, entity_type)
		);

		CREATE TABLE IF NOT EXISTS campaigns (
			id          UUID PRIMARY KEY,
			office_id   TEXT NOT NULL,
			name        TEXT NOT NULL,
			tag_ref     TEXT NOT NULL DEFAULT '',
			fingerprint JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_campaigns_office ON campaigns(office_id);

		CREATE TABLE IF NOT EXISTS triage_suggestions (
			id         UUID PRIMARY KEY,
			office_id  TEXT NOT NULL,
			message_id TEXT NOT NULL,
			job_id     TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			confidence JSONB NOT NULL DEFAULT '{}',
			fields     JSONB NOT NULL DEFAULT '{}',
			dropped    TEXT[] NOT NULL DEFAULT '{}',
			context    JSONB NOT NULL DEFAULT '{}',
			decision   JSONB,
			decided_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(office_id, message_id)
		);
	`)
	return err
}

const entityColumns = `
	id::text, office_id, entity_type, external_id, natural_key, data,
	legacy_version, legacy_updated_at, version, pending_sync, pending_fields,
	sync_error, last_synced_at, deleted_at, created_at, updated_at`

// scanEntity scans a single row into an Entity.
func scanEntity(row pgx.Row) (*models.Entity, error) {
	var (
		e    models.Entity
		typ  string
		data []byte
	)
	err := row.Scan(
		&e.ID, &e.OfficeID, &typ, &e.ExternalID, &e.NaturalKey, &data,
		&e.LegacyVersion, &e.LegacyUpdatedAt, &e.Version, &e.PendingSync, &e.PendingFields,
		&e.SyncError, &e.LastSyncedAt, &e.DeletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Type = models.EntityType(typ)
	e.Fields = make(map[string]any)
	if err := json.Unmarshal(data, &e.Fields); err != nil {
		return nil, fmt.Errorf("decode entity %s data: %w", e.ID, err)
	}
	if len(e.PendingFields) == 0 {
		e.PendingFields = nil
	}
	return &e, nil
}

// collectEntities scans multiple rows into a slice of Entities.
func collectEntities(rows pgx.Rows) ([]*models.Entity, error) {
	defer rows.Close()
	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// writeEntity upserts the full row state keyed on id.
func writeEntity(ctx context.Context, q querier, e *models.Entity) error {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode entity data: %w", err)
	}
	pendingFields := e.PendingFields
	if pendingFields == nil {
		pendingFields = []string{}
	}
	_, err = q.Exec(ctx, `
		INSERT INTO shadow_entities
			(id, office_id, entity_type, external_id, natural_key, data,
			 legacy_version, legacy_updated_at, version, pending_sync, pending_fields,
			 sync_error, last_synced_at, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			external_id       = EXCLUDED.external_id,
			natural_key       = EXCLUDED.natural_key,
			data              = EXCLUDED.data,
			legacy_version    = EXCLUDED.legacy_version,
			legacy_updated_at = EXCLUDED.legacy_updated_at,
			version           = EXCLUDED.version,
			pending_sync      = EXCLUDED.pending_sync,
			pending_fields    = EXCLUDED.pending_fields,
			sync_error        = EXCLUDED.sync_error,
			last_synced_at    = EXCLUDED.last_synced_at,
			deleted_at        = EXCLUDED.deleted_at,
			updated_at        = EXCLUDED.updated_at
	`, e.ID, e.OfficeID, string(e.Type), e.ExternalID, e.NaturalKey, data,
		e.LegacyVersion, e.LegacyUpdatedAt, e.Version, e.PendingSync, pendingFields,
		e.SyncError, e.LastSyncedAt, e.DeletedAt, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s", ErrDuplicate, e.Type, e.External())
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) ApplyPage(ctx context.Context, officeID string, t models.EntityType, recs []models.Record, watermark time.Time) (PageResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PageResult{}, fmt.Errorf("begin page: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var result PageResult
	for _, rec := range recs {
		if rec.Type == "" {
			rec.Type = t
		}
		ch, err := s.upsertTx(ctx, tx, officeID, rec)
		if err != nil {
			return PageResult{}, fmt.Errorf("upsert %s %s: %w", t, rec.ExternalID, err)
		}
		result.Changes = append(result.Changes, ch)
	}

	if err := tx.QueryRow(ctx, `
		INSERT INTO sync_watermarks (office_id, entity_type, watermark)
		VALUES ($1, $2, $3)
		ON CONFLICT (office_id, entity_type) DO UPDATE SET
			watermark  = GREATEST(sync_watermarks.watermark, EXCLUDED.watermark),
			updated_at = NOW()
		RETURNING watermark
	`, officeID, string(t), watermark).Scan(&result.Watermark); err != nil {
		return PageResult{}, fmt.Errorf("advance watermark: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PageResult{}, fmt.Errorf("commit page: %w", err)
	}
	for _, ch := range result.Changes {
		logConflict(officeID, ch)
	}
	return result, nil
}

func (s *PGStore) UpsertFromLegacy(ctx context.Context, officeID string, rec models.Record) (Change, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Change{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ch, err := s.upsertTx(ctx, tx, officeID, rec)
	if err != nil {
		return Change{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Change{}, fmt.Errorf("commit upsert: %w", err)
	}
	logConflict(officeID, ch)
	return ch, nil
}

// upsertTx locks the mapped row and applies rec to it, or inserts a new
// row for an unseen external id.
func (s *PGStore) upsertTx(ctx context.Context, tx pgx.Tx, officeID string, rec models.Record) (Change, error) {
	now := s.now()

	existing, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM shadow_entities
		WHERE office_id = $1 AND entity_type = $2 AND external_id = $3
		FOR UPDATE
	`, officeID, string(rec.Type), rec.ExternalID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Change{}, err
	}

	var ch Change
	switch {
	case existing != nil:
		ch = applyRecord(existing, rec, now)
	default:
		ch = Change{Entity: newFromRecord(officeID, rec, now), Outcome: OutcomeInserted}
	}

	if ch.Outcome == OutcomeUnchanged || ch.Outcome == OutcomeStale {
		return ch, nil
	}
	if err := writeEntity(ctx, tx, ch.Entity); err != nil {
		return Change{}, err
	}
	return ch, nil
}

func (s *PGStore) Watermark(ctx context.Context, officeID string, t models.EntityType) (time.Time, error) {
	var w time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT watermark FROM sync_watermarks WHERE office_id = $1 AND entity_type = $2
	`, officeID, string(t)).Scan(&w)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	return w.UTC(), nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*models.Entity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e, err := scanEntity(s.pool.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM shadow_entities WHERE id = $1
	`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

func (s *PGStore) GetByExternalID(ctx context.Context, officeID string, t models.EntityType, externalID string) (*models.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM shadow_entities
		WHERE office_id = $1 AND entity_type = $2 AND external_id = $3
	`, officeID, string(t), externalID))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, t, externalID)
	}
	return e, err
}

func (s *PGStore) List(ctx context.Context, officeID string, q Query) ([]*models.Entity, error) {
	args := []any{officeID, string(q.Type)}
	var where strings.Builder
	where.WriteString("office_id = $1 AND entity_type = $2")
	if !q.IncludeDeleted {
		where.WriteString(" AND deleted_at IS NULL")
	}

	keys := make([]string, 0, len(q.Where))
	for k := range q.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, q.Where[k])
		fmt.Fprintf(&where, " AND data->>$%d = $%d", len(args)-1, len(args))
	}

	order := "updated_at DESC, id"
	if q.OrderByDesc != "" {
		args = append(args, q.OrderByDesc)
		order = fmt.Sprintf("data->>$%d DESC NULLS LAST, updated_at DESC, id", len(args))
	}
	limit := ""
	if q.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+entityColumns+` FROM shadow_entities WHERE `+
		where.String()+` ORDER BY `+order+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Type, err)
	}
	return collectEntities(rows)
}

func (s *PGStore) CreatePending(ctx context.Context, officeID string, t models.EntityType, fields map[string]any) (*models.Entity, error) {
	now := s.now()
	e := &models.Entity{
		ID:            uuid.NewString(),
		OfficeID:      officeID,
		Type:          t,
		NaturalKey:    acl.NaturalKey(t, fields),
		Fields:        models.CopyFields(fields),
		Version:       1,
		PendingSync:   true,
		PendingFields: writableKeys(t, fields),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := writeEntity(ctx, s.pool, e); err != nil {
		return nil, fmt.Errorf("create pending %s: %w", t, err)
	}
	return e, nil
}

// mutate locks a row, applies fn and writes the result in one transaction.
func (s *PGStore) mutate(ctx context.Context, id string, fn func(tx pgx.Tx, e *models.Entity) (*models.Entity, error)) (*models.Entity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	e, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM shadow_entities WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	out, err := fn(tx, e)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := writeEntity(ctx, tx, out); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func versionCheck(e *models.Entity, expected int64) error {
	if e.Version != expected {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, e.ID, e.Version, expected)
	}
	return nil
}

func (s *PGStore) MarkPendingSync(ctx context.Context, id string, expectedVersion int64, change map[string]any) (*models.Entity, error) {
	return s.mutate(ctx, id, func(_ pgx.Tx, e *models.Entity) (*models.Entity, error) {
		if err := versionCheck(e, expectedVersion); err != nil {
			return nil, err
		}
		return applyLocal(e, change, s.now()), nil
	})
}

func (s *PGStore) RecordSynced(ctx context.Context, id, externalID string, syncedVersion int64, rec *models.Record) (*models.Entity, error) {
	return s.mutate(ctx, id, func(tx pgx.Tx, e *models.Entity) (*models.Entity, error) {
		if externalID != "" && e.External() != externalID {
			// A row the poller ingested first is folded into this one.
			dup, err := scanEntity(tx.QueryRow(ctx, `
				SELECT `+entityColumns+`
				FROM shadow_entities
				WHERE office_id = $1 AND entity_type = $2 AND external_id = $3 AND id <> $4
				FOR UPDATE
			`, e.OfficeID, string(e.Type), externalID, e.ID))
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("load duplicate: %w", err)
			}
			if dup != nil {
				if _, err := tx.Exec(ctx, `DELETE FROM shadow_entities WHERE id = $1`, dup.ID); err != nil {
					return nil, fmt.Errorf("fold duplicate: %w", err)
				}
				slog.Warn("folded duplicate shadow row into synced row",
					"office", e.OfficeID, "entity_type", e.Type, "external_id", externalID, "duplicate_id", dup.ID)
				e = carryEnrichment(e, dup)
			}
		}
		return markSynced(e, externalID, syncedVersion, rec, s.now()), nil
	})
}

func (s *PGStore) MarkSyncError(ctx context.Context, id, message string) error {
	_, err := s.mutate(ctx, id, func(_ pgx.Tx, e *models.Entity) (*models.Entity, error) {
		out := e.Clone()
		out.PendingSync = true
		out.SyncError = message
		out.UpdatedAt = s.now()
		return out, nil
	})
	return err
}

func (s *PGStore) Restore(ctx context.Context, snapshot *models.Entity, expectedVersion int64) error {
	_, err := s.mutate(ctx, snapshot.ID, func(_ pgx.Tx, e *models.Entity) (*models.Entity, error) {
		if err := versionCheck(e, expectedVersion); err != nil {
			return nil, err
		}
		out := e.Clone()
		out.Fields = models.CopyFields(snapshot.Fields)
		out.NaturalKey = snapshot.NaturalKey
		out.PendingSync = snapshot.PendingSync
		out.PendingFields = append([]string(nil), snapshot.PendingFields...)
		out.SyncError = snapshot.SyncError
		out.DeletedAt = snapshot.DeletedAt
		out.Version++
		out.UpdatedAt = s.now()
		return out, nil
	})
	return err
}

func (s *PGStore) Remove(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM shadow_entities WHERE id = $1 AND external_id IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: unmapped row %s", ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) SoftDelete(ctx context.Context, id string, expectedVersion int64) (*models.Entity, error) {
	return s.mutate(ctx, id, func(_ pgx.Tx, e *models.Entity) (*models.Entity, error) {
		if err := versionCheck(e, expectedVersion); err != nil {
			return nil, err
		}
		now := s.now()
		out := e.Clone()
		out.DeletedAt = &now
		out.Version++
		out.PendingSync = true
		out.UpdatedAt = now
		return out, nil
	})
}

func (s *PGStore) UpdateEnrichment(ctx context.Context, id string, fields map[string]any) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkEnrichment(e.Type, fields); err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}
	// JSONB concatenation leaves sync state and version alone.
	_, err = s.pool.Exec(ctx, `
		UPDATE shadow_entities SET data = data || $2::jsonb, updated_at = NOW() WHERE id = $1
	`, id, patch)
	return err
}

func (s *PGStore) ReferenceData(ctx context.Context, officeID string) (models.ReferenceData, error) {
	var sets [3][]*models.Entity
	for i, t := range []models.EntityType{models.EntityCaseType, models.EntityCaseworker, models.EntityTag} {
		rows, err := s.pool.Query(ctx, `
			SELECT `+entityColumns+`
			FROM shadow_entities
			WHERE office_id = $1 AND entity_type = $2 AND external_id IS NOT NULL AND deleted_at IS NULL
			ORDER BY data->>'name', external_id
		`, officeID, string(t))
		if err != nil {
			return models.ReferenceData{}, fmt.Errorf("reference %s: %w", t, err)
		}
		es, err := collectEntities(rows)
		if err != nil {
			return models.ReferenceData{}, fmt.Errorf("reference %s: %w", t, err)
		}
		sets[i] = es
	}
	return referenceFromEntities(sets[0], sets[1], sets[2]), nil
}

// --- campaigns ---

func (s *PGStore) ListCampaigns(ctx context.Context, officeID string) ([]models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, office_id, name, tag_ref, fingerprint, created_at
		FROM campaigns WHERE office_id = $1 ORDER BY created_at
	`, officeID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		var (
			c  models.Campaign
			fp []byte
		)
		if err := rows.Scan(&c.ID, &c.OfficeID, &c.Name, &c.TagRef, &fp, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fp, &c.Fingerprint); err != nil {
			return nil, fmt.Errorf("decode campaign %s fingerprint: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	fp, err := json.Marshal(c.Fingerprint)
	if err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, office_id, name, tag_ref, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.OfficeID, c.Name, c.TagRef, fp, c.CreatedAt)
	return err
}

// --- suggestions ---

const suggestionColumns = `
	id::text, office_id, message_id, job_id, action, confidence, fields,
	dropped, context, decision, decided_at, created_at`

func scanSuggestion(row pgx.Row) (*models.TriageSuggestion, error) {
	var (
		sg                     models.TriageSuggestion
		confidence, fields, cx []byte
		decision               []byte
	)
	err := row.Scan(&sg.ID, &sg.OfficeID, &sg.MessageID, &sg.JobID, &sg.Action,
		&confidence, &fields, &sg.Dropped, &cx, &decision, &sg.DecidedAt, &sg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(confidence, &sg.Confidence); err != nil {
		return nil, fmt.Errorf("decode confidence: %w", err)
	}
	if err := json.Unmarshal(fields, &sg.Fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	sg.Context = json.RawMessage(cx)
	if len(decision) > 0 {
		var d models.Decision
		if err := json.Unmarshal(decision, &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		sg.Decision = &d
	}
	if len(sg.Dropped) == 0 {
		sg.Dropped = nil
	}
	return &sg, nil
}

func (s *PGStore) SaveSuggestion(ctx context.Context, sg *models.TriageSuggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = s.now()
	}
	confidence, err := json.Marshal(sg.Confidence)
	if err != nil {
		return fmt.Errorf("encode confidence: %w", err)
	}
	fields, err := json.Marshal(sg.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	cx := []byte(sg.Context)
	if len(cx) == 0 {
		cx = []byte("{}")
	}
	dropped := sg.Dropped
	if dropped == nil {
		dropped = []string{}
	}

	// Replacing is only allowed while no decision exists for the message.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO triage_suggestions
			(id, office_id, message_id, job_id, action, confidence, fields, dropped, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (office_id, message_id) DO UPDATE SET
			id         = EXCLUDED.id,
			job_id     = EXCLUDED.job_id,
			action     = EXCLUDED.action,
			confidence = EXCLUDED.confidence,
			fields     = EXCLUDED.fields,
			dropped    = EXCLUDED.dropped,
			context    = EXCLUDED.context,
			created_at = EXCLUDED.created_at
		WHERE triage_suggestions.decided_at IS NULL
	`, sg.ID, sg.OfficeID, sg.MessageID, sg.JobID, sg.Action, confidence, fields, dropped, cx, sg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save suggestion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: message %s", ErrFrozen, sg.MessageID)
	}
	return nil
}

func (s *PGStore) GetSuggestion(ctx context.Context, id string) (*models.TriageSuggestion, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: suggestion %s", ErrNotFound, id)
	}
	sg, err := scanSuggestion(s.pool.QueryRow(ctx, `
		SELECT `+suggestionColumns+` FROM triage_suggestions WHERE id = $1
	`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: suggestion %s", ErrNotFound, id)
	}
	return sg, err
}

func (s *PGStore) SuggestionForMessage(ctx context.Context, officeID, messageID string) (*models.TriageSuggestion, error) {
	sg, err := scanSuggestion(s.pool.QueryRow(ctx, `
		SELECT `+suggestionColumns+` FROM triage_suggestions WHERE office_id = $1 AND message_id = $2
	`, officeID, messageID))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: suggestion for message %s", ErrNotFound, messageID)
	}
	return sg, err
}

func (s *PGStore) RecordDecision(ctx context.Context, id string, d models.Decision, at time.Time) (*models.TriageSuggestion, error) {
	decision, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	sg, err := scanSuggestion(s.pool.QueryRow(ctx, `
		UPDATE triage_suggestions SET decision = $2, decided_at = $3
		WHERE id = $1 AND decided_at IS NULL
		RETURNING `+suggestionColumns, id, decision, at))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetSuggestion(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: suggestion %s", ErrFrozen, id)
	}
	return sg, err
}
