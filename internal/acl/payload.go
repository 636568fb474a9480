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

package acl

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

// ErrNoLegacyFields means a change touches only shadow-owned fields, so
// there is nothing to send to the legacy system.
var ErrNoLegacyFields = errors.New("change has no legacy-owned fields")

// Operation is the kind of legacy write a payload performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Payload is a fully translated legacy request.
type Payload struct {
	Method string         `json:"method"`
	Path   string         `json:"path"`
	Body   map[string]any `json:"body,omitempty"`
}

type encoder func(v any) (any, error)

// fieldMapping binds a canonical field to its legacy name.
type fieldMapping struct {
	canonical string
	legacy    string
	encode    encoder
}

var writable = map[models.EntityType][]fieldMapping{
	models.EntityCase: {
		{"constituent_ref", "constituentID", encID},
		{"case_type_ref", "caseTypeID", encID},
		{"status_ref", "statusID", encID},
		{"assigned_to_ref", "assignedToID", encID},
		{"summary", "summary", encString},
		{"priority", "priority", encPriority},
		{"tag_refs", "tagged", encIDList},
		{"review_date", "reviewDate", encTime},
		{"closed", "closed", encBool},
	},
	models.EntityConstituent: {
		{"title", "title", encString},
		{"first_name", "firstName", encString},
		{"last_name", "surname", encString},
		{"organisation", "organisation", encString},
	},
	models.EntityContactDetail: {
		{"constituent_ref", "constituentID", encID},
		{"kind", "contactTypeID", encContactKind},
		{"value", "value", encString},
		{"primary", "primary", encBool},
	},
	models.EntityEmail: {
		{"direction", "type", encDirection},
		{"to", "to", encRecipients},
		{"subject", "subject", encString},
		{"body_html", "htmlBody", encString},
		{"case_ref", "caseID", encID},
		{"constituent_ref", "constituentID", encID},
		{"actioned", "actioned", encBool},
	},
	models.EntityTag: {
		{"name", "tag", encString},
	},
}

// required lists canonical fields a create must carry.
var required = map[models.EntityType][]string{
	models.EntityCase:          {"constituent_ref", "case_type_ref"},
	models.EntityContactDetail: {"constituent_ref", "kind", "value"},
	models.EntityEmail:         {"to", "subject"},
	models.EntityTag:           {"name"},
}

// Writable reports whether field of t is ever sent to the legacy system.
func Writable(t models.EntityType, field string) bool {
	for _, m := range writable[t] {
		if m.canonical == field {
			return true
		}
	}
	return false
}

// ToLegacyPayload translates a canonical change into the legacy request that
// applies it. For updates only the fields present in change are sent;
// shadow-owned fields are never sent.
func ToLegacyPayload(t models.EntityType, op Operation, externalID string, change map[string]any) (Payload, error) {
	endpoint, err := Endpoint(t)
	if err != nil {
		return Payload{}, err
	}
	mappings, ok := writable[t]
	if !ok {
		return Payload{}, fmt.Errorf("%w: %s", ErrReadOnly, t)
	}

	switch op {
	case OpDelete:
		if externalID == "" {
			return Payload{}, fmt.Errorf("%w: delete %s without external id", ErrUntranslatable, t)
		}
		return Payload{Method: http.MethodDelete, Path: "/" + endpoint + "/" + externalID}, nil
	case OpCreate, OpUpdate:
	default:
		return Payload{}, fmt.Errorf("%w: unknown operation %q", ErrUntranslatable, op)
	}

	body := make(map[string]any)
	for _, m := range mappings {
		v, present := change[m.canonical]
		if !present {
			continue
		}
		enc, err := m.encode(v)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %s.%s: %v", ErrUntranslatable, t, m.canonical, err)
		}
		body[m.legacy] = enc
	}

	if op == OpCreate {
		for _, f := range required[t] {
			if isBlank(change[f]) {
				return Payload{}, fmt.Errorf("%w: create %s requires %s", ErrUntranslatable, t, f)
			}
		}
		if t == models.EntityConstituent && isBlank(change["last_name"]) && isBlank(change["organisation"]) {
			return Payload{}, fmt.Errorf("%w: create constituent requires last_name or organisation", ErrUntranslatable)
		}
		return Payload{Method: http.MethodPost, Path: "/" + endpoint, Body: body}, nil
	}

	if externalID == "" {
		return Payload{}, fmt.Errorf("%w: update %s without external id", ErrUntranslatable, t)
	}
	if len(body) == 0 {
		return Payload{}, ErrNoLegacyFields
	}
	return Payload{Method: http.MethodPatch, Path: "/" + endpoint + "/" + externalID, Body: body}, nil
}

// ReadPath is the GET path for one legacy entity.
func ReadPath(t models.EntityType, externalID string) (string, error) {
	endpoint, err := Endpoint(t)
	if err != nil {
		return "", err
	}
	if externalID == "" {
		return "", fmt.Errorf("%w: read %s without external id", ErrUntranslatable, t)
	}
	return "/" + endpoint + "/" + externalID, nil
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	}
	return false
}

// str renders a canonical scalar as a string.
func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// Legacy ids are integers; refs that are not numeric are passed through.
func encID(v any) (any, error) {
	s := strings.TrimSpace(str(v))
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return s, nil
}

func encIDList(v any) (any, error) {
	out := []any{}
	switch x := v.(type) {
	case nil:
	case []any:
		for _, item := range x {
			id, _ := encID(item)
			if id != nil {
				out = append(out, id)
			}
		}
	case []string:
		for _, item := range x {
			id, _ := encID(item)
			if id != nil {
				out = append(out, id)
			}
		}
	default:
		return nil, fmt.Errorf("expected a list of ids, got %T", v)
	}
	return out, nil
}

func encString(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	}
	return nil, fmt.Errorf("expected string, got %T", v)
}

func encBool(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	}
	return nil, fmt.Errorf("expected bool, got %T", v)
}

func encTime(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.UTC().Format(time.RFC3339), nil
	case string:
		if x == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil, fmt.Errorf("expected RFC3339 time: %v", err)
		}
		return t.UTC().Format(time.RFC3339), nil
	}
	return nil, fmt.Errorf("expected time, got %T", v)
}

func encPriority(v any) (any, error) {
	p := strings.ToLower(strings.TrimSpace(str(v)))
	for _, known := range models.Priorities {
		if p == known {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown priority %q", p)
}

func encContactKind(v any) (any, error) {
	kind := str(v)
	for id, k := range contactKinds {
		if k == kind {
			n, _ := strconv.Atoi(string(id))
			return n, nil
		}
	}
	return nil, fmt.Errorf("contact kind %q has no legacy type", kind)
}

func encDirection(v any) (any, error) {
	switch str(v) {
	case models.DirectionOutbound:
		return "sent", nil
	case models.DirectionInbound:
		return "received", nil
	}
	return nil, fmt.Errorf("unknown direction %q", str(v))
}

func encRecipients(v any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected recipient list, got %T", v)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch r := item.(type) {
		case string:
			out = append(out, r)
		case map[string]any:
			if a := str(r["address"]); a != "" {
				out = append(out, a)
			}
		}
	}
	return out, nil
}
