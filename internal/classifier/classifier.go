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

// Package classifier is the contract between the triage pipeline and the
// external model that proposes an action for an inbound message. The model
// is a black box: it receives an immutable context snapshot and returns JSON
// that is validated against a fixed schema before anyone reads it.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bcem/casebridge/internal/models"
)

var (
	// ErrUnavailable marks a classifier outage: timeout, transport failure
	// or a server-side error. The triage step is retried on its own.
	ErrUnavailable = errors.New("classifier unavailable")
	// ErrInvalidOutput marks a response that does not match the output
	// schema.
	ErrInvalidOutput = errors.New("classifier output invalid")
)

// Message is the message as the classifier sees it.
type Message struct {
	ID         string     `json:"id"`
	From       string     `json:"from"`
	FromName   string     `json:"from_name,omitempty"`
	Subject    string     `json:"subject"`
	Text       string     `json:"text"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

// Constituent is the matched sender.
type Constituent struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id,omitempty"`
	DisplayName string `json:"display_name"`
}

// Case is one of the sender's open cases.
type Case struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"external_id,omitempty"`
	Summary        string     `json:"summary"`
	CaseTypeRef    string     `json:"case_type_ref,omitempty"`
	AssignedToRef  string     `json:"assigned_to_ref,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	LastActionedAt *time.Time `json:"last_actioned_at,omitempty"`
}

// Campaign is a campaign the message resembles.
type Campaign struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	TagRef string  `json:"tag_ref,omitempty"`
	Score  float64 `json:"score"`
}

// Context is the immutable snapshot a classification is made from.
type Context struct {
	OfficeID    string               `json:"office_id"`
	Message     Message              `json:"message"`
	Matched     bool                 `json:"constituent_matched"`
	Constituent *Constituent         `json:"constituent,omitempty"`
	Cases       []Case               `json:"cases"`
	Campaigns   []Campaign           `json:"campaigns"`
	Reference   models.ReferenceData `json:"reference"`
}

// Output is a schema-valid classifier response. Ids in Fields are still
// untrusted until the pipeline revalidates them.
type Output struct {
	Action     string                 `json:"action"`
	Confidence map[string]float64     `json:"confidence"`
	Fields     models.SuggestedFields `json:"fields"`
	Sentiment  string                 `json:"sentiment,omitempty"`
}

// Classifier proposes an action for a context snapshot.
type Classifier interface {
	Classify(ctx context.Context, in *Context) (*Output, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, in *Context) (*Output, error)

func (f Func) Classify(ctx context.Context, in *Context) (*Output, error) { return f(ctx, in) }

const outputSchemaURL = "casebridge://classifier/output.json"

var outputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "confidence"],
  "properties": {
    "action": {"enum": ["` + strings.Join(models.Actions, `", "`) + `"]},
    "confidence": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "fields": {
      "type": "object",
      "properties": {
        "case_id": {"type": "string"},
        "case_type_ref": {"type": "string"},
        "assigned_to_ref": {"type": "string"},
        "priority": {"type": "string"},
        "tag_refs": {"type": "array", "items": {"type": "string"}},
        "summary": {"type": "string"},
        "reply_subject": {"type": "string"},
        "reply_body": {"type": "string"},
        "campaign_id": {"type": "string"}
      }
    },
    "sentiment": {"enum": ["positive", "neutral", "negative", ""]}
  }
}`

var outputSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(outputSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("classifier output schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(outputSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("classifier output schema: %v", err))
	}
	s, err := c.Compile(outputSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("classifier output schema: %v", err))
	}
	return s
}

// ParseOutput validates raw against the output schema and decodes it.
func ParseOutput(raw []byte) (*Output, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: not JSON: %v", ErrInvalidOutput, err)
	}
	if err := outputSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if out.Confidence == nil {
		out.Confidence = map[string]float64{}
	}
	return &out, nil
}

// instructions is the fixed task description sent with every context.
const instructions = `You triage constituent email for a parliamentary casework office.
Given the JSON context, choose one action: create_case, add_to_case, reply, ignore or manual_review.
Use only ids that appear in the context: case ids from "cases", case types, caseworkers and tags from "reference", campaign ids from "campaigns".
Return a JSON object with "action", "confidence" (per action, 0 to 1), "fields" and "sentiment".`
