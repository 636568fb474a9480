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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bcem/casebridge/internal/models"
)

// legacyID accepts ids the legacy API emits as either numbers or strings.
type legacyID string

func (id *legacyID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = legacyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("legacy id: %w", err)
	}
	*id = legacyID(n.String())
	return nil
}

// legacyTime accepts the timestamp layouts seen from the legacy API.
type legacyTime struct{ t *time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (lt *legacyTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		// null, numbers and empty strings all mean "unset"
		lt.t = nil
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			lt.t = &t
			return nil
		}
	}
	// Unparseable dates are dropped rather than failing the whole record.
	lt.t = nil
	return nil
}

// legacyBool accepts true/false, 0/1 and "true"/"false".
type legacyBool bool

func (lb *legacyBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		*lb = true
	default:
		*lb = false
	}
	return nil
}

// common carries the bookkeeping fields present on every legacy record.
type common struct {
	ID           legacyID   `json:"id"`
	LastModified legacyTime `json:"lastModified"`
	Deleted      legacyBool `json:"deleted"`
}

// Adapt translates one legacy record of type t into its canonical form.
// Response-shape variants are selected by sniffing for distinguishing keys.
func Adapt(t models.EntityType, raw json.RawMessage) (models.Record, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return models.Record{}, fmt.Errorf("%w: %s record is not an object: %v", ErrUntranslatable, t, err)
	}

	var c common
	if err := json.Unmarshal(raw, &c); err != nil {
		return models.Record{}, fmt.Errorf("%w: %s bookkeeping: %v", ErrUntranslatable, t, err)
	}
	if c.ID == "" {
		return models.Record{}, fmt.Errorf("%w: %s record has no id", ErrUntranslatable, t)
	}

	var (
		canonical any
		err       error
	)
	switch t {
	case models.EntityCase:
		canonical, err = adaptCase(raw, keys)
	case models.EntityConstituent:
		canonical, err = adaptConstituent(raw, keys)
	case models.EntityContactDetail:
		canonical, err = adaptContactDetail(raw)
	case models.EntityEmail:
		canonical, err = adaptEmail(raw, keys)
	case models.EntityTag:
		canonical, err = adaptTag(raw)
	case models.EntityCaseType:
		canonical, err = adaptCaseType(raw)
	case models.EntityCaseworker:
		canonical, err = adaptCaseworker(raw)
	default:
		return models.Record{}, fmt.Errorf("%w: unknown entity type %q", ErrUntranslatable, t)
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("%w: %s %s: %v", ErrUntranslatable, t, c.ID, err)
	}

	fields, err := models.ToFields(canonical)
	if err != nil {
		return models.Record{}, fmt.Errorf("%w: %v", ErrUntranslatable, err)
	}

	rec := models.Record{
		Type:       t,
		ExternalID: string(c.ID),
		Deleted:    bool(c.Deleted),
		Fields:     fields,
	}
	if c.LastModified.t != nil {
		rec.UpdatedAt = *c.LastModified.t
		rec.Version = rec.UpdatedAt.Format(time.RFC3339Nano)
	} else {
		// Without lastModified the content itself is the version.
		rec.Version = "h:" + strconv.FormatUint(xxhash.Sum64(compact(raw)), 16)
	}
	return rec, nil
}

// AdaptAll adapts a page of legacy records. A single untranslatable record
// fails the page; the poller must not silently skip data.
func AdaptAll(t models.EntityType, raws []json.RawMessage) ([]models.Record, error) {
	out := make([]models.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := Adapt(t, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// --- cases ---

type legacyCaseBase struct {
	ConstituentID legacyID   `json:"constituentID"`
	CaseTypeID    legacyID   `json:"caseTypeID"`
	StatusID      legacyID   `json:"statusID"`
	Summary       string     `json:"summary"`
	Priority      any        `json:"priority"`
	ReviewDate    legacyTime `json:"reviewDate"`
	Created       legacyTime `json:"created"`
	LastActioned  legacyTime `json:"lastActioned"`
	Closed        legacyBool `json:"closed"`
	Tagged        []legacyID `json:"tagged"`
}

// v1 flattens the assignee to an id.
type legacyCaseV1 struct {
	legacyCaseBase
	AssignedToID legacyID `json:"assignedToID"`
}

// v2 nests the assignee.
type legacyCaseV2 struct {
	legacyCaseBase
	AssignedTo *struct {
		ID   legacyID `json:"id"`
		Name string   `json:"name"`
	} `json:"assignedTo"`
}

func adaptCase(raw json.RawMessage, keys map[string]json.RawMessage) (models.Case, error) {
	var (
		base     legacyCaseBase
		assignee legacyID
	)
	if _, v2 := keys["assignedTo"]; v2 {
		var lc legacyCaseV2
		if err := json.Unmarshal(raw, &lc); err != nil {
			return models.Case{}, err
		}
		base = lc.legacyCaseBase
		if lc.AssignedTo != nil {
			assignee = lc.AssignedTo.ID
		}
	} else {
		var lc legacyCaseV1
		if err := json.Unmarshal(raw, &lc); err != nil {
			return models.Case{}, err
		}
		base = lc.legacyCaseBase
		assignee = lc.AssignedToID
	}

	tags := make([]string, 0, len(base.Tagged))
	for _, id := range base.Tagged {
		if id != "" {
			tags = append(tags, string(id))
		}
	}

	return models.Case{
		ConstituentRef: string(base.ConstituentID),
		CaseTypeRef:    string(base.CaseTypeID),
		StatusRef:      string(base.StatusID),
		AssignedToRef:  string(assignee),
		Summary:        base.Summary,
		Priority:       adaptPriority(base.Priority),
		TagRefs:        tags,
		ReviewDate:     base.ReviewDate.t,
		OpenedAt:       base.Created.t,
		LastActionedAt: base.LastActioned.t,
		Closed:         bool(base.Closed),
		Classification: nil,
	}, nil
}

// Legacy priorities are 1..4 in older offices and words in newer ones.
// Anything unrecognised becomes "medium".
func adaptPriority(v any) string {
	switch p := v.(type) {
	case float64:
		if i := int(p); i >= 1 && i <= len(models.Priorities) {
			return models.Priorities[i-1]
		}
	case string:
		p = strings.ToLower(strings.TrimSpace(p))
		for _, known := range models.Priorities {
			if p == known {
				return p
			}
		}
	}
	return "medium"
}

// --- constituents ---

type legacyConstituentV1 struct {
	Title        string `json:"title"`
	FirstName    string `json:"firstName"`
	Surname      string `json:"surname"`
	Organisation string `json:"organisation"`
}

type legacyConstituentV2 struct {
	Name struct {
		Title string `json:"title"`
		First string `json:"first"`
		Last  string `json:"last"`
	} `json:"name"`
	Organisation string `json:"organisation"`
}

func adaptConstituent(raw json.RawMessage, keys map[string]json.RawMessage) (models.Constituent, error) {
	if nameRaw, v2 := keys["name"]; v2 && bytes.HasPrefix(bytes.TrimSpace(nameRaw), []byte("{")) {
		var lc legacyConstituentV2
		if err := json.Unmarshal(raw, &lc); err != nil {
			return models.Constituent{}, err
		}
		return models.Constituent{
			Title:        strings.TrimSpace(lc.Name.Title),
			FirstName:    strings.TrimSpace(lc.Name.First),
			LastName:     strings.TrimSpace(lc.Name.Last),
			Organisation: strings.TrimSpace(lc.Organisation),
		}, nil
	}
	var lc legacyConstituentV1
	if err := json.Unmarshal(raw, &lc); err != nil {
		return models.Constituent{}, err
	}
	return models.Constituent{
		Title:        strings.TrimSpace(lc.Title),
		FirstName:    strings.TrimSpace(lc.FirstName),
		LastName:     strings.TrimSpace(lc.Surname),
		Organisation: strings.TrimSpace(lc.Organisation),
	}, nil
}

// --- contact details ---

type legacyContactDetail struct {
	ConstituentID legacyID   `json:"constituentID"`
	ContactTypeID legacyID   `json:"contactTypeID"`
	Value         string     `json:"value"`
	Primary       legacyBool `json:"primary"`
}

var contactKinds = map[legacyID]string{
	"1": models.ContactEmail,
	"2": models.ContactPhone,
	"3": models.ContactAddress,
}

func adaptContactDetail(raw json.RawMessage) (models.ContactDetail, error) {
	var lc legacyContactDetail
	if err := json.Unmarshal(raw, &lc); err != nil {
		return models.ContactDetail{}, err
	}
	kind, ok := contactKinds[lc.ContactTypeID]
	if !ok {
		kind = models.ContactOther
	}
	value := strings.TrimSpace(lc.Value)
	if kind == models.ContactEmail {
		value = strings.ToLower(value)
	}
	return models.ContactDetail{
		ConstituentRef: string(lc.ConstituentID),
		Kind:           kind,
		Value:          value,
		Primary:        bool(lc.Primary),
	}, nil
}

// --- emails ---

type legacyEmailBase struct {
	Type          string          `json:"type"`
	To            json.RawMessage `json:"to"`
	Subject       string          `json:"subject"`
	HTMLBody      string          `json:"htmlBody"`
	DateTime      legacyTime      `json:"dateTime"`
	CaseID        legacyID        `json:"caseID"`
	ConstituentID legacyID        `json:"constituentID"`
	Actioned      legacyBool      `json:"actioned"`
}

type legacyEmailV1 struct {
	legacyEmailBase
	FromAddress string `json:"fromAddress"`
	FromName    string `json:"fromName"`
}

type legacyEmailV2 struct {
	legacyEmailBase
	From struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"from"`
}

func adaptEmail(raw json.RawMessage, keys map[string]json.RawMessage) (models.Message, error) {
	var (
		base legacyEmailBase
		from models.EmailAddress
	)
	if _, v2 := keys["from"]; v2 {
		var le legacyEmailV2
		if err := json.Unmarshal(raw, &le); err != nil {
			return models.Message{}, err
		}
		base = le.legacyEmailBase
		from = models.EmailAddress{Address: le.From.Address, Name: le.From.Name}
	} else {
		var le legacyEmailV1
		if err := json.Unmarshal(raw, &le); err != nil {
			return models.Message{}, err
		}
		base = le.legacyEmailBase
		from = models.EmailAddress{Address: le.FromAddress, Name: le.FromName}
	}
	from.Address = strings.ToLower(strings.TrimSpace(from.Address))

	direction := models.DirectionInbound
	if strings.EqualFold(base.Type, "sent") || strings.EqualFold(base.Type, "draft") {
		direction = models.DirectionOutbound
	}

	return models.Message{
		Direction:      direction,
		From:           from,
		To:             adaptRecipients(base.To),
		Subject:        base.Subject,
		BodyHTML:       base.HTMLBody,
		ReceivedAt:     base.DateTime.t,
		CaseRef:        string(base.CaseID),
		ConstituentRef: string(base.ConstituentID),
		Actioned:       bool(base.Actioned),
	}, nil
}

// adaptRecipients accepts a string, a list of strings, or a list of
// {address,name} objects.
func adaptRecipients(raw json.RawMessage) []models.EmailAddress {
	out := []models.EmailAddress{}
	if len(raw) == 0 {
		return out
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		for _, a := range strings.Split(single, ",") {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				out = append(out, models.EmailAddress{Address: a})
			}
		}
		return out
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) != nil {
		return out
	}
	for _, item := range list {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, models.EmailAddress{Address: strings.ToLower(strings.TrimSpace(s))})
			continue
		}
		var obj struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		}
		if json.Unmarshal(item, &obj) == nil && obj.Address != "" {
			out = append(out, models.EmailAddress{Address: strings.ToLower(strings.TrimSpace(obj.Address)), Name: obj.Name})
		}
	}
	return out
}

// --- reference data ---

func adaptTag(raw json.RawMessage) (models.Tag, error) {
	var lt struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(raw, &lt); err != nil {
		return models.Tag{}, err
	}
	return models.Tag{Name: strings.TrimSpace(lt.Tag)}, nil
}

func adaptCaseType(raw json.RawMessage) (models.CaseType, error) {
	var lt struct {
		CaseType string     `json:"casetype"`
		Retired  legacyBool `json:"retired"`
	}
	if err := json.Unmarshal(raw, &lt); err != nil {
		return models.CaseType{}, err
	}
	return models.CaseType{Name: strings.TrimSpace(lt.CaseType), Retired: bool(lt.Retired)}, nil
}

func adaptCaseworker(raw json.RawMessage) (models.Caseworker, error) {
	var lw struct {
		Name   string     `json:"name"`
		Email  string     `json:"email"`
		Active legacyBool `json:"active"`
	}
	if err := json.Unmarshal(raw, &lw); err != nil {
		return models.Caseworker{}, err
	}
	return models.Caseworker{
		Name:   strings.TrimSpace(lw.Name),
		Email:  strings.ToLower(strings.TrimSpace(lw.Email)),
		Active: bool(lw.Active),
	}, nil
}
