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
	"encoding/json"
	"reflect"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

// Applied reports whether every legacy-writable field in change already has
// the desired value in observed. It is the read-reconciliation test used
// after an ambiguous write.
func Applied(t models.EntityType, change map[string]any, observed models.Record) bool {
	compared := 0
	for field, want := range change {
		if !Writable(t, field) {
			continue
		}
		compared++
		if !Equal(want, observed.Fields[field]) {
			return false
		}
	}
	return compared > 0
}

// Diff returns the legacy-writable fields of change that differ from observed.
func Diff(t models.EntityType, change map[string]any, observed map[string]any) []string {
	var out []string
	for _, m := range writable[t] {
		want, ok := change[m.canonical]
		if !ok {
			continue
		}
		if !Equal(want, observed[m.canonical]) {
			out = append(out, m.canonical)
		}
	}
	return out
}

// Equal compares canonical values after normalising them through JSON,
// treating timestamps as instants and blank strings as null.
func Equal(a, b any) bool {
	na, nb := normalise(a), normalise(b)
	if ta, ok := asTime(na); ok {
		if tb, ok := asTime(nb); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(na, nb)
}

func normalise(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	switch x := out.(type) {
	case string:
		if x == "" {
			return nil
		}
	case []any:
		if len(x) == 0 {
			return nil
		}
	}
	return out
}

func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}
