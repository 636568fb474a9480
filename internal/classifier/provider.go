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
	"errors"
	"fmt"
	"strings"

	"github.com/bcem/casebridge/internal/config"
)

// New builds the classifier named by cfg.Provider.
func New(ctx context.Context, cfg config.ClassifierConfig) (Classifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "http":
		if cfg.URL == "" {
			return nil, errors.New("http classifier requires CLASSIFIER_URL")
		}
		return NewHTTP(cfg.URL, cfg.APIKey, cfg.Timeout), nil
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}
