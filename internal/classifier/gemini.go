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

package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// GeminiClassifier asks a Gemini model for the output object.
type GeminiClassifier struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a classifier backed by the Gemini API.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, errors.New("gemini classifier requires an API key")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClassifier{client: client, model: model, timeout: timeout}, nil
}

// Classify sends the context as the user turn with JSON output requested.
func (g *GeminiClassifier) Classify(ctx context.Context, in *Context) (*Output, error) {
	snapshot, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal classifier context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(string(snapshot), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: %v", ErrUnavailable, err)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: gemini returned no text", ErrInvalidOutput)
	}
	return ParseOutput([]byte(text))
}
