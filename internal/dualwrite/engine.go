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

// Package dualwrite is the low-latency write path: a local mutation is
// applied optimistically to the shadow store and immediately written through
// to the legacy system. Transient legacy failures hand the write to the job
// queue; permanent ones roll the local change back.
package dualwrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bcem/casebridge/internal/acl"
	"github.com/bcem/casebridge/internal/legacy"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
)

// Status is the outcome of a commit.
type Status string

const (
	Committed      Status = "committed"
	QueuedForRetry Status = "queued_for_retry"
	Rejected       Status = "rejected"
)

// Change is one local mutation.
type Change struct {
	Type     models.EntityType `json:"entity_type"`
	Op       acl.Operation     `json:"op"`
	EntityID string            `json:"entity_id,omitempty"` // empty for creates
	// ExpectedVersion guards updates and deletes; zero means the current
	// version.
	ExpectedVersion int64          `json:"expected_version,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// Result reports what happened to a change.
type Result struct {
	Status     Status         `json:"status"`
	EntityID   string         `json:"entity_id,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Entity     *models.Entity `json:"entity,omitempty"`
}

// Enqueuer is the part of the worker pool the engine depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, nj queue.NewJob) (*models.Job, bool, error)
}

// resolver is implemented by *legacy.Client.
type resolver interface {
	Resolve(key string)
}

// Engine commits local mutations to both systems of record.
type Engine struct {
	legacy legacy.Caller
	store  shadow.Store
	jobs   Enqueuer
}

// NewEngine creates a sync engine.
func NewEngine(client legacy.Caller, store shadow.Store, jobs Enqueuer) *Engine {
	return &Engine{legacy: client, store: store, jobs: jobs}
}

// Commit applies c locally and writes it through to legacy.
//
// The returned error is reserved for failures of the shadow store or the
// queue; legacy outcomes are always expressed through Result.
func (e *Engine) Commit(ctx context.Context, officeID string, c Change) (Result, error) {
	if err := validate(c); err != nil {
		slog.Info("local change rejected before write",
			"office", officeID, "entity_type", c.Type, "op", c.Op, "error", err)
		return Result{Status: Rejected, EntityID: c.EntityID, Reason: err.Error()}, nil
	}

	var (
		ent      *models.Entity
		snapshot *models.Entity
		err      error
	)
	switch c.Op {
	case acl.OpCreate:
		ent, err = e.store.CreatePending(ctx, officeID, c.Type, c.Fields)
		if err != nil {
			return Result{}, fmt.Errorf("create pending %s: %w", c.Type, err)
		}

	case acl.OpUpdate:
		if snapshot, err = e.load(ctx, officeID, c); err != nil {
			return Result{}, err
		}
		if snapshot.DeletedAt != nil {
			return Result{Status: Rejected, EntityID: snapshot.ID, Reason: "entity is deleted"}, nil
		}
		ent, err = e.store.MarkPendingSync(ctx, snapshot.ID, expected(c, snapshot), c.Fields)
		if err != nil {
			return Result{}, fmt.Errorf("apply local change: %w", err)
		}
		if !ent.PendingSync {
			return committed(ent), nil
		}
		if ent.ExternalID == nil {
			// The create is still on its way to legacy; its retry job
			// carries this change too.
			return e.queue(ctx, officeID, ent, legacy.NewIdempotencyKey(), false)
		}

	case acl.OpDelete:
		if snapshot, err = e.load(ctx, officeID, c); err != nil {
			return Result{}, err
		}
		if snapshot.ExternalID == nil {
			if err := e.store.Remove(ctx, snapshot.ID); err != nil {
				return Result{}, fmt.Errorf("remove unsynced %s: %w", c.Type, err)
			}
			return Result{Status: Committed, EntityID: snapshot.ID}, nil
		}
		ent, err = e.store.SoftDelete(ctx, snapshot.ID, expected(c, snapshot))
		if err != nil {
			return Result{}, fmt.Errorf("soft delete: %w", err)
		}
	}

	key := legacy.NewIdempotencyKey()
	synced, err := e.sync(ctx, officeID, ent, key, false)
	switch {
	case err == nil:
		slog.Info("dual write committed",
			"office", officeID, "entity_type", ent.Type, "entity_id", ent.ID,
			"external_id", synced.External(), "op", c.Op)
		return committed(synced), nil

	case rejected(err):
		e.rollback(ctx, c.Op, ent, snapshot)
		slog.Warn("dual write rejected by legacy",
			"office", officeID, "entity_type", ent.Type, "entity_id", ent.ID, "op", c.Op, "error", err)
		return Result{Status: Rejected, EntityID: ent.ID, Reason: legacy.Reason(err)}, nil

	case legacy.Retryable(err):
		if errors.Is(err, legacy.ErrAuthExpired) {
			slog.Error("legacy session rejected after re-authentication, write queued",
				"office", officeID, "entity_type", ent.Type, "entity_id", ent.ID, "error", err)
		}
		return e.queue(ctx, officeID, ent, key, errors.Is(err, legacy.ErrAmbiguous))

	default:
		if merr := e.store.MarkSyncError(ctx, ent.ID, err.Error()); merr != nil {
			slog.Error("record sync error failed", "entity_id", ent.ID, "error", merr)
		}
		return Result{}, fmt.Errorf("dual write %s %s: %w", c.Op, c.Type, err)
	}
}

func validate(c Change) error {
	if !c.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", c.Type)
	}
	switch c.Op {
	case acl.OpCreate:
		if c.EntityID != "" {
			return errors.New("create must not name an entity id")
		}
	case acl.OpUpdate, acl.OpDelete:
		if c.EntityID == "" {
			return fmt.Errorf("%s requires an entity id", c.Op)
		}
	default:
		return fmt.Errorf("unknown operation %q", c.Op)
	}
	if c.Op == acl.OpDelete {
		_, err := acl.ToLegacyPayload(c.Type, c.Op, "0", nil)
		return err
	}
	// The path is discarded; this only checks the fields encode.
	_, err := acl.ToLegacyPayload(c.Type, c.Op, "0", c.Fields)
	if errors.Is(err, acl.ErrNoLegacyFields) {
		return nil
	}
	return err
}

func (e *Engine) load(ctx context.Context, officeID string, c Change) (*models.Entity, error) {
	cur, err := e.store.Get(ctx, c.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", c.Type, c.EntityID, err)
	}
	if cur.OfficeID != officeID || cur.Type != c.Type {
		return nil, fmt.Errorf("load %s %s: %w", c.Type, c.EntityID, shadow.ErrNotFound)
	}
	return cur, nil
}

func expected(c Change, cur *models.Entity) int64 {
	if c.ExpectedVersion > 0 {
		return c.ExpectedVersion
	}
	return cur.Version
}

func committed(ent *models.Entity) Result {
	return Result{Status: Committed, EntityID: ent.ID, ExternalID: ent.External(), Entity: ent}
}

// rejected reports whether err is a permanent refusal of the write.
func rejected(err error) bool {
	return legacy.Permanent(err) ||
		errors.Is(err, acl.ErrUntranslatable) ||
		errors.Is(err, acl.ErrReadOnly)
}

// rollback undoes the optimistic local write of a rejected change.
func (e *Engine) rollback(ctx context.Context, op acl.Operation, ent, snapshot *models.Entity) {
	var err error
	if op == acl.OpCreate {
		err = e.store.Remove(ctx, ent.ID)
	} else {
		err = e.store.Restore(ctx, snapshot, ent.Version)
	}
	if err != nil {
		// A newer local write won the row; it carries its own sync.
		slog.Warn("rollback of rejected write skipped", "entity_id", ent.ID, "op", op, "error", err)
	}
}

func (e *Engine) queue(ctx context.Context, officeID string, ent *models.Entity, key string, ambiguous bool) (Result, error) {
	job, created, err := e.jobs.Enqueue(ctx, queue.NewJob{
		Kind:      models.KindLegacyWrite,
		OfficeID:  officeID,
		Payload:   writeJob{EntityID: ent.ID, Type: ent.Type, IdempotencyKey: key, Ambiguous: ambiguous},
		DedupeKey: ent.ID,
	})
	if err != nil {
		if merr := e.store.MarkSyncError(ctx, ent.ID, "could not queue legacy write: "+err.Error()); merr != nil {
			slog.Error("record sync error failed", "entity_id", ent.ID, "error", merr)
		}
		return Result{}, fmt.Errorf("queue legacy write: %w", err)
	}
	slog.Info("dual write queued for retry",
		"office", officeID, "entity_type", ent.Type, "entity_id", ent.ID,
		"job_id", job.ID, "joined_existing", !created, "ambiguous", ambiguous)
	return Result{Status: QueuedForRetry, EntityID: ent.ID, JobID: job.ID, Entity: ent}, nil
}

// opFor derives the legacy operation that brings legacy up to date with ent.
func opFor(ent *models.Entity) acl.Operation {
	switch {
	case ent.DeletedAt != nil:
		return acl.OpDelete
	case ent.ExternalID == nil:
		return acl.OpCreate
	default:
		return acl.OpUpdate
	}
}

// legacyChange selects what legacy must be told: every writable field for a
// create, the pending fields for an update.
func legacyChange(ent *models.Entity, op acl.Operation) map[string]any {
	out := make(map[string]any)
	switch op {
	case acl.OpCreate:
		for k, v := range ent.Fields {
			if acl.Writable(ent.Type, k) {
				out[k] = v
			}
		}
	case acl.OpUpdate:
		for _, k := range ent.PendingFields {
			out[k] = ent.Fields[k]
		}
	}
	return out
}

// sync writes ent's pending state to legacy and records the outcome. When
// ambiguous is set, a previous attempt may have been applied, so legacy is
// read back before anything is resent.
func (e *Engine) sync(ctx context.Context, officeID string, ent *models.Entity, key string, ambiguous bool) (*models.Entity, error) {
	op := opFor(ent)
	change := legacyChange(ent, op)

	if ambiguous {
		rec, applied, err := e.reconcile(ctx, officeID, ent, op, change)
		if err != nil {
			return nil, fmt.Errorf("%w: reconciliation read failed: %v", legacy.ErrAmbiguous, err)
		}
		if applied {
			if r, ok := e.legacy.(resolver); ok {
				r.Resolve(key)
			}
			ext := ent.External()
			if rec != nil && rec.ExternalID != "" {
				ext = rec.ExternalID
			}
			slog.Info("ambiguous legacy write was applied, not resending",
				"office", officeID, "entity_type", ent.Type, "entity_id", ent.ID, "external_id", ext)
			return e.record(ctx, ent, ext, rec)
		}
		slog.Info("ambiguous legacy write was not applied, resending",
			"office", officeID, "entity_type", ent.Type, "entity_id", ent.ID)
	}

	p, err := acl.ToLegacyPayload(ent.Type, op, ent.External(), change)
	if errors.Is(err, acl.ErrNoLegacyFields) {
		return e.record(ctx, ent, ent.External(), nil)
	}
	if err != nil {
		return nil, err
	}

	req := legacy.Request{Method: p.Method, Path: p.Path, IdempotencyKey: key, Reconciled: ambiguous}
	if p.Body != nil {
		req.Body = p.Body
	}
	resp, err := e.legacy.Do(ctx, officeID, req)
	switch {
	case errors.Is(err, legacy.ErrAmbiguous) && !ambiguous:
		return e.sync(ctx, officeID, ent, key, true)
	case err != nil && op == acl.OpDelete && errors.Is(err, legacy.ErrNotFound):
		return e.record(ctx, ent, ent.External(), nil)
	case err != nil:
		return nil, err
	}

	rec, err := responseRecord(ent.Type, resp)
	if op == acl.OpCreate {
		if err != nil || rec == nil || rec.ExternalID == "" {
			return nil, fmt.Errorf("%w: %s created but response carried no id", legacy.ErrAmbiguous, ent.Type)
		}
		return e.record(ctx, ent, rec.ExternalID, rec)
	}
	if err != nil {
		slog.Debug("legacy write response not adaptable", "entity_type", ent.Type, "error", err)
		rec = nil
	}
	return e.record(ctx, ent, ent.External(), rec)
}

// record stores a confirmed legacy write. Failing here after legacy accepted
// the write leaves the outcome unknown to the shadow store, so the error is
// reported as ambiguous and the retry reads legacy back.
func (e *Engine) record(ctx context.Context, ent *models.Entity, externalID string, rec *models.Record) (*models.Entity, error) {
	synced, err := e.store.RecordSynced(ctx, ent.ID, externalID, ent.Version, rec)
	if err != nil {
		return nil, fmt.Errorf("%w: record synced state: %v", legacy.ErrAmbiguous, err)
	}
	return synced, nil
}

func responseRecord(t models.EntityType, resp *legacy.Response) (*models.Record, error) {
	if resp == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, nil
	}
	rec, err := acl.Adapt(t, resp.Body)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// reconcile reads legacy to learn whether a write whose outcome is unknown
// was applied.
func (e *Engine) reconcile(ctx context.Context, officeID string, ent *models.Entity, op acl.Operation, change map[string]any) (*models.Record, bool, error) {
	switch op {
	case acl.OpCreate:
		p, err := acl.ByNaturalKey(ent.Type, ent.Fields)
		if err != nil {
			return nil, false, err
		}
		resp, err := e.legacy.Do(ctx, officeID, legacy.Request{Method: p.Method, Path: p.Path, Body: p.Body, Safe: true})
		if err != nil {
			return nil, false, err
		}
		page, err := acl.ParsePage(resp.Body)
		if err != nil {
			return nil, false, err
		}
		for _, raw := range page.Results {
			rec, err := acl.Adapt(ent.Type, raw)
			if err != nil || rec.Deleted {
				continue
			}
			if acl.NaturalKey(ent.Type, rec.Fields) == ent.NaturalKey && acl.Applied(ent.Type, change, rec) {
				return &rec, true, nil
			}
		}
		return nil, false, nil

	default:
		path, err := acl.ReadPath(ent.Type, ent.External())
		if err != nil {
			return nil, false, err
		}
		resp, err := e.legacy.Do(ctx, officeID, legacy.Request{Method: http.MethodGet, Path: path})
		if op == acl.OpDelete && errors.Is(err, legacy.ErrNotFound) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		rec, err := acl.Adapt(ent.Type, resp.Body)
		if err != nil {
			return nil, false, err
		}
		if op == acl.OpDelete {
			return nil, rec.Deleted, nil
		}
		return &rec, acl.Applied(ent.Type, change, rec), nil
	}
}
