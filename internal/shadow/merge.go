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
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/casebridge/internal/acl"
	"github.com/bcem/casebridge/internal/models"
)

// Outcome classifies what an upsert did to the shadow row.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeConflict  Outcome = "conflict"
	OutcomeStale     Outcome = "stale"
)

// Change is the result of applying one legacy record.
type Change struct {
	Entity    *models.Entity
	Outcome   Outcome
	Conflicts []string
}

// newFromRecord builds the shadow row for a legacy record seen for the
// first time.
func newFromRecord(officeID string, rec models.Record, now time.Time) *models.Entity {
	ext := rec.ExternalID
	e := &models.Entity{
		ID:            uuid.NewString(),
		OfficeID:      officeID,
		Type:          rec.Type,
		ExternalID:    &ext,
		NaturalKey:    acl.NaturalKey(rec.Type, rec.Fields),
		Fields:        models.CopyFields(rec.Fields),
		LegacyVersion: rec.Version,
		Version:       1,
		LastSyncedAt:  &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !rec.UpdatedAt.IsZero() {
		at := rec.UpdatedAt
		e.LegacyUpdatedAt = &at
	}
	if rec.Deleted {
		e.DeletedAt = &now
	}
	return e
}

// applyRecord merges a legacy record into an existing row and returns the
// new row state. The input row is not modified.
//
// Policy, per field owner:
//   - shadow-owned fields always keep the local value;
//   - legacy-owned fields always take the legacy value;
//   - shared fields take the legacy value, except fields with a pending
//     local write, which keep the local value. A pending field whose legacy
//     value differs is a conflict.
//
// When every pending field already matches legacy, the local write has
// landed and the row is marked synced.
func applyRecord(e *models.Entity, rec models.Record, now time.Time) Change {
	if e.LegacyUpdatedAt != nil && !rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(*e.LegacyUpdatedAt) {
		return Change{Entity: e, Outcome: OutcomeStale}
	}
	deletedNow := e.DeletedAt != nil
	if rec.Version == e.LegacyVersion && rec.Deleted == deletedNow && e.ExternalID != nil {
		return Change{Entity: e, Outcome: OutcomeUnchanged}
	}

	out := e.Clone()
	pending := make(map[string]bool, len(e.PendingFields))
	if e.PendingSync {
		for _, f := range e.PendingFields {
			pending[f] = true
		}
	}

	fields := models.CopyFields(rec.Fields)
	var conflicts []string
	for k, local := range e.Fields {
		switch acl.FieldOwner(e.Type, k) {
		case acl.OwnerShadow:
			fields[k] = local
		case acl.OwnerShared:
			if pending[k] {
				if !acl.Equal(local, rec.Fields[k]) {
					conflicts = append(conflicts, k)
				}
				fields[k] = local
			}
		}
	}
	sort.Strings(conflicts)

	ext := rec.ExternalID
	out.ExternalID = &ext
	out.Fields = fields
	out.NaturalKey = acl.NaturalKey(e.Type, fields)
	out.LegacyVersion = rec.Version
	if !rec.UpdatedAt.IsZero() {
		at := rec.UpdatedAt
		out.LegacyUpdatedAt = &at
	}
	if out.LastSyncedAt == nil || now.After(*out.LastSyncedAt) {
		out.LastSyncedAt = &now
	}
	switch {
	case rec.Deleted && out.DeletedAt == nil:
		out.DeletedAt = &now
	case !rec.Deleted && out.DeletedAt != nil && !e.PendingSync:
		out.DeletedAt = nil
	}
	out.UpdatedAt = now

	outcome := OutcomeUpdated
	if e.PendingSync {
		if len(conflicts) > 0 {
			outcome = OutcomeConflict
		} else if pendingLanded(e, rec) {
			out.PendingSync = false
			out.PendingFields = nil
			out.SyncError = ""
		}
	}
	return Change{Entity: out, Outcome: outcome, Conflicts: conflicts}
}

// pendingLanded reports whether legacy already holds every pending value.
func pendingLanded(e *models.Entity, rec models.Record) bool {
	for _, f := range e.PendingFields {
		if !acl.Equal(e.Fields[f], rec.Fields[f]) {
			return false
		}
	}
	return true
}

// carryEnrichment fills the shadow-owned fields survivor lacks from a
// duplicate row that is about to be folded into it.
func carryEnrichment(survivor, dup *models.Entity) *models.Entity {
	out := survivor.Clone()
	for _, f := range acl.ShadowFields(survivor.Type) {
		if out.Fields[f] != nil {
			continue
		}
		if v, ok := dup.Fields[f]; ok && v != nil {
			out.Fields[f] = v
		}
	}
	return out
}

// markSynced applies a successful legacy write to the row. The pending flag
// is cleared only if no newer local write happened since syncedVersion.
func markSynced(e *models.Entity, externalID string, syncedVersion int64, rec *models.Record, now time.Time) *models.Entity {
	out := e.Clone()
	if externalID != "" {
		ext := externalID
		out.ExternalID = &ext
	}
	if out.LastSyncedAt == nil || now.After(*out.LastSyncedAt) {
		out.LastSyncedAt = &now
	}
	out.UpdatedAt = now

	if e.Version != syncedVersion {
		return out
	}

	if rec != nil {
		fields := models.CopyFields(rec.Fields)
		for k, local := range e.Fields {
			if acl.FieldOwner(e.Type, k) == acl.OwnerShadow {
				fields[k] = local
			}
		}
		// Fields legacy does not echo keep their local value.
		for k, local := range e.Fields {
			if _, ok := fields[k]; !ok {
				fields[k] = local
			}
		}
		out.Fields = fields
		out.NaturalKey = acl.NaturalKey(e.Type, fields)
		out.LegacyVersion = rec.Version
		if !rec.UpdatedAt.IsZero() {
			at := rec.UpdatedAt
			out.LegacyUpdatedAt = &at
		}
	}
	out.PendingSync = false
	out.PendingFields = nil
	out.SyncError = ""
	return out
}

// applyLocal applies an optimistic local change and bumps the row version.
func applyLocal(e *models.Entity, change map[string]any, now time.Time) *models.Entity {
	out := e.Clone()
	for k, v := range change {
		out.Fields[k] = v
	}
	out.NaturalKey = acl.NaturalKey(e.Type, out.Fields)
	out.Version++
	out.UpdatedAt = now

	touched := false
	seen := make(map[string]bool, len(out.PendingFields))
	for _, f := range out.PendingFields {
		seen[f] = true
	}
	for k := range change {
		if acl.Writable(e.Type, k) {
			touched = true
			if !seen[k] {
				out.PendingFields = append(out.PendingFields, k)
				seen[k] = true
			}
		}
	}
	sort.Strings(out.PendingFields)
	if touched {
		out.PendingSync = true
		out.SyncError = ""
	}
	return out
}

// writableKeys lists the legacy-writable keys present in fields.
func writableKeys(t models.EntityType, fields map[string]any) []string {
	var out []string
	for k := range fields {
		if acl.Writable(t, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// checkEnrichment rejects enrichment writes to fields legacy owns or shares.
func checkEnrichment(t models.EntityType, fields map[string]any) error {
	for k := range fields {
		if acl.FieldOwner(t, k) != acl.OwnerShadow {
			return fmt.Errorf("field %s.%s is not shadow-owned", t, k)
		}
	}
	return nil
}

func logConflict(officeID string, ch Change) {
	if ch.Outcome != OutcomeConflict {
		return
	}
	slog.Warn("reconciliation conflict resolved by field merge",
		"office", officeID,
		"entity_type", ch.Entity.Type,
		"external_id", ch.Entity.External(),
		"fields", ch.Conflicts,
		"error", ErrConflictDetected,
	)
}
