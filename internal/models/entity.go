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

// Package models defines the canonical data structures shared across
// casebridge. Nothing in this package knows legacy field names; translation
// to and from the legacy shapes lives in the acl package.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names a mirrored entity kind.
type EntityType string

const (
	EntityCase          EntityType = "case"
	EntityConstituent   EntityType = "constituent"
	EntityContactDetail EntityType = "contact_detail"
	EntityEmail         EntityType = "email"
	EntityTag           EntityType = "tag"
	EntityCaseType      EntityType = "case_type"
	EntityCaseworker    EntityType = "caseworker"
)

// SyncedEntityTypes lists the types the reconciliation poller mirrors, in
// dependency order (reference data first).
var SyncedEntityTypes = []EntityType{
	EntityCaseType,
	EntityCaseworker,
	EntityTag,
	EntityConstituent,
	EntityContactDetail,
	EntityCase,
	EntityEmail,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range SyncedEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Record is one canonical entity as observed in the legacy system. It is the
// output of an ACL adapter and the input of a shadow store upsert.
type Record struct {
	Type       EntityType     `json:"type"`
	ExternalID string         `json:"external_id"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Version    string         `json:"version"` // last-seen legacy version token
	Deleted    bool           `json:"deleted"`
	Fields     map[string]any `json:"fields"`
}

// Entity is a shadow store row: a canonical entity plus its legacy mapping
// and sync bookkeeping.
type Entity struct {
	ID              string         `json:"id"`
	OfficeID        string         `json:"office_id"`
	Type            EntityType     `json:"type"`
	ExternalID      *string        `json:"external_id"`
	NaturalKey      string         `json:"-"`
	Fields          map[string]any `json:"fields"`
	LegacyVersion   string         `json:"legacy_version,omitempty"`
	LegacyUpdatedAt *time.Time     `json:"legacy_updated_at,omitempty"`
	Version         int64          `json:"version"`
	PendingSync     bool           `json:"pending_sync"`
	PendingFields   []string       `json:"pending_fields,omitempty"`
	SyncError       string         `json:"sync_error,omitempty"`
	LastSyncedAt    *time.Time     `json:"last_synced_at,omitempty"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy of e for rollback snapshots.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = CopyFields(e.Fields)
	c.PendingFields = append([]string(nil), e.PendingFields...)
	if e.ExternalID != nil {
		id := *e.ExternalID
		c.ExternalID = &id
	}
	return &c
}

// External returns the external id or "" while the entity is pending.
func (e *Entity) External() string {
	if e == nil || e.ExternalID == nil {
		return ""
	}
	return *e.ExternalID
}

// Decode unmarshals the entity's fields into a typed canonical struct.
func (e *Entity) Decode(v any) error {
	return FromFields(e.Fields, v)
}

// ToFields converts a typed canonical struct into its field map.
func ToFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical fields: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal canonical fields: %w", err)
	}
	return fields, nil
}

// FromFields converts a field map back into a typed canonical struct.
func FromFields(fields map[string]any, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal field map: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode field map: %w", err)
	}
	return nil
}

// CopyFields returns a shallow copy of a field map.
func CopyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
