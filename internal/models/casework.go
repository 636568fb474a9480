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

package models

import "time"

// Case is the canonical casework record. References to other entities are
// legacy external ids.
type Case struct {
	ConstituentRef string     `json:"constituent_ref"`
	CaseTypeRef    string     `json:"case_type_ref"`
	StatusRef      string     `json:"status_ref"`
	AssignedToRef  string     `json:"assigned_to_ref"`
	Summary        string     `json:"summary"`
	Priority       string     `json:"priority"`
	TagRefs        []string   `json:"tag_refs"`
	ReviewDate     *time.Time `json:"review_date"`
	OpenedAt       *time.Time `json:"opened_at"`
	LastActionedAt *time.Time `json:"last_actioned_at"`
	Closed         bool       `json:"closed"`

	// Classification is never supplied by the legacy system.
	Classification *string `json:"classification"`
}

// Constituent is a member of the public the office corresponds with.
type Constituent struct {
	Title        string `json:"title"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Organisation string `json:"organisation"`
}

// DisplayName joins the name parts that are present.
func (c Constituent) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.LastName != "":
		return c.LastName
	case c.FirstName != "":
		return c.FirstName
	}
	return c.Organisation
}

// Contact detail kinds.
const (
	ContactEmail   = "email"
	ContactPhone   = "phone"
	ContactAddress = "address"
	ContactOther   = "other"
)

// ContactDetail is an email address, phone number or postal address
// attached to a constituent. (office, kind, value) is unique.
type ContactDetail struct {
	ConstituentRef string `json:"constituent_ref"`
	Kind           string `json:"kind"`
	Value          string `json:"value"`
	Primary        bool   `json:"primary"`
}

// Tag labels cases.
type Tag struct {
	Name string `json:"name"`
}

// CaseType is office reference data.
type CaseType struct {
	Name    string `json:"name"`
	Retired bool   `json:"retired"`
}

// Caseworker is office reference data.
type Caseworker struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

// Case priorities accepted by the legacy system.
var Priorities = []string{"low", "medium", "high", "urgent"}

// RefItem is one entry of office reference data, keyed by legacy id.
type RefItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReferenceData is the office's current set of valid reference ids.
type ReferenceData struct {
	CaseTypes   []RefItem `json:"case_types"`
	Caseworkers []RefItem `json:"caseworkers"`
	Tags        []RefItem `json:"tags"`
	Priorities  []string  `json:"priorities"`
}

// Campaign is a shadow-only record: a known mass-mail campaign and the
// fingerprint of its template text.
type Campaign struct {
	ID          string    `json:"id"`
	OfficeID    string    `json:"office_id"`
	Name        string    `json:"name"`
	TagRef      string    `json:"tag_ref,omitempty"`
	Fingerprint []uint64  `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}
