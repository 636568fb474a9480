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

// Package acl is the anti-corruption layer between the legacy casework API
// and canonical entities. It is the only package that knows legacy field
// names. Every function here is pure: no I/O, no clock, no randomness, so a
// translation failure is deterministic and never confused with a transport
// failure.
package acl

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bcem/casebridge/internal/models"
)

// ErrUntranslatable is wrapped by every translation failure.
var ErrUntranslatable = errors.New("untranslatable")

// ErrReadOnly is returned for payloads against reference data the legacy
// API does not let integrations write.
var ErrReadOnly = errors.New("entity type is read-only in legacy")

// Endpoint returns the legacy collection path segment for t.
func Endpoint(t models.EntityType) (string, error) {
	switch t {
	case models.EntityCase:
		return "cases", nil
	case models.EntityConstituent:
		return "constituents", nil
	case models.EntityContactDetail:
		return "contactDetails", nil
	case models.EntityEmail:
		return "emails", nil
	case models.EntityTag:
		return "tags", nil
	case models.EntityCaseType:
		return "caseTypes", nil
	case models.EntityCaseworker:
		return "caseworkers", nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrUntranslatable, t)
}

// Owner says which system wins a field during conflict resolution.
type Owner int

const (
	// OwnerShared fields are editable on both sides. Legacy overwrites them
	// unless a local write is pending.
	OwnerShared Owner = iota
	// OwnerLegacy fields are ids and external references. Legacy always wins.
	OwnerLegacy
	// OwnerShadow fields are enrichment the legacy system never supplies.
	// Local always wins.
	OwnerShadow
)

func (o Owner) String() string {
	switch o {
	case OwnerLegacy:
		return "legacy"
	case OwnerShadow:
		return "shadow"
	}
	return "shared"
}

var ownership = map[models.EntityType]map[string]Owner{
	models.EntityCase: {
		"constituent_ref": OwnerLegacy,
		"status_ref":      OwnerLegacy,
		"opened_at":       OwnerLegacy,
		"classification":  OwnerShadow,
	},
	models.EntityConstituent: {},
	models.EntityContactDetail: {
		"constituent_ref": OwnerLegacy,
	},
	models.EntityEmail: {
		"direction":              OwnerLegacy,
		"from":                   OwnerLegacy,
		"to":                     OwnerLegacy,
		"received_at":            OwnerLegacy,
		"constituent_ref":        OwnerLegacy,
		models.FieldTriageStatus: OwnerShadow,
		models.FieldCampaignID:   OwnerShadow,
		models.FieldSentiment:    OwnerShadow,
		models.FieldSuggestionID: OwnerShadow,
	},
	models.EntityTag:        {},
	models.EntityCaseType:   {},
	models.EntityCaseworker: {},
}

// FieldOwner returns the owner of a canonical field. Unlisted fields are shared.
func FieldOwner(t models.EntityType, field string) Owner {
	return ownership[t][field]
}

// ShadowFields lists the shadow-owned fields of t in sorted order.
func ShadowFields(t models.EntityType) []string {
	var out []string
	for f, o := range ownership[t] {
		if o == OwnerShadow {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// NaturalKey derives the business key used to find an entity without its
// legacy id when searching after an ambiguous create. "" means no usable
// key.
func NaturalKey(t models.EntityType, fields map[string]any) string {
	s := func(k string) string { return strings.ToLower(strings.TrimSpace(str(fields[k]))) }
	join := func(parts ...string) string {
		for _, p := range parts {
			if p == "" {
				return ""
			}
		}
		return strings.Join(parts, "|")
	}

	switch t {
	case models.EntityCase:
		return join(s("constituent_ref"), s("case_type_ref"), s("summary"))
	case models.EntityConstituent:
		if s("last_name") == "" && s("organisation") == "" {
			return ""
		}
		return s("first_name") + "|" + s("last_name") + "|" + s("organisation")
	case models.EntityContactDetail:
		return join(s("kind"), s("value"))
	case models.EntityEmail:
		var to string
		if list, ok := fields["to"].([]any); ok && len(list) > 0 {
			if m, ok := list[0].(map[string]any); ok {
				to = strings.ToLower(str(m["address"]))
			}
		}
		return join(s("direction"), to, s("subject"))
	case models.EntityTag, models.EntityCaseType:
		return join(s("name"))
	case models.EntityCaseworker:
		return join(s("email"))
	}
	return ""
}
