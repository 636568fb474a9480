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
	"fmt"
	"net/http"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

// SearchPage is one page of a legacy {entity}/search response.
type SearchPage struct {
	Results      []json.RawMessage `json:"results"`
	TotalResults int               `json:"totalResults"`
}

// ChangedSince builds the search request for records of t modified at or
// after since, oldest first. page is 1-based.
func ChangedSince(t models.EntityType, since time.Time, page, size int) (Payload, error) {
	endpoint, err := Endpoint(t)
	if err != nil {
		return Payload{}, err
	}
	filter := map[string]any{}
	if !since.IsZero() {
		filter["modifiedSince"] = since.UTC().Format(time.RFC3339Nano)
	}
	return Payload{
		Method: http.MethodPost,
		Path:   "/" + endpoint + "/search",
		Body: map[string]any{
			"filter":         filter,
			"sort":           map[string]any{"field": "lastModified", "direction": "asc"},
			"pageNo":         page,
			"resultsPerPage": size,
		},
	}, nil
}

// ByNaturalKey builds a search that narrows candidates for a local entity
// that may have been created in legacy without us learning its id. Callers
// confirm each candidate with NaturalKey.
func ByNaturalKey(t models.EntityType, fields map[string]any) (Payload, error) {
	endpoint, err := Endpoint(t)
	if err != nil {
		return Payload{}, err
	}
	filter := map[string]any{}
	switch t {
	case models.EntityCase:
		filter["constituentID"], _ = encID(fields["constituent_ref"])
		filter["summary"] = str(fields["summary"])
	case models.EntityConstituent:
		filter["surname"] = str(fields["last_name"])
		filter["organisation"] = str(fields["organisation"])
	case models.EntityContactDetail:
		filter["value"] = str(fields["value"])
	case models.EntityEmail:
		filter["subject"] = str(fields["subject"])
		filter["type"], _ = encDirection(fields["direction"])
	case models.EntityTag:
		filter["tag"] = str(fields["name"])
	default:
		return Payload{}, fmt.Errorf("%w: no natural-key search for %s", ErrUntranslatable, t)
	}
	return Payload{
		Method: http.MethodPost,
		Path:   "/" + endpoint + "/search",
		Body: map[string]any{
			"filter":         filter,
			"sort":           map[string]any{"field": "lastModified", "direction": "desc"},
			"pageNo":         1,
			"resultsPerPage": 25,
		},
	}, nil
}

// ParsePage decodes a search response body.
func ParsePage(data []byte) (SearchPage, error) {
	var page SearchPage
	if err := json.Unmarshal(data, &page); err != nil {
		return SearchPage{}, fmt.Errorf("%w: search page: %v", ErrUntranslatable, err)
	}
	return page, nil
}
