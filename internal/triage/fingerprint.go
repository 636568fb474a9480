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

package triage

import (
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	shingleWords = 3
	// sketchSize bounds a fingerprint to the smallest hashes of its shingle
	// set, so stored campaign fingerprints stay small for long templates.
	sketchSize = 128
)

// Fingerprint hashes the word shingles of subject and body into a sorted
// bottom-k sketch. Case, punctuation and whitespace do not affect it.
func Fingerprint(subject, body string) []uint64 {
	words := tokenize(subject + " " + body)
	if len(words) == 0 {
		return nil
	}
	n := shingleWords
	if len(words) < n {
		n = len(words)
	}

	set := make(map[uint64]struct{})
	for i := 0; i+n <= len(words); i++ {
		set[xxhash.Sum64String(strings.Join(words[i:i+n], " "))] = struct{}{}
	}
	out := make([]uint64, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > sketchSize {
		out = out[:sketchSize]
	}
	return out
}

// Similarity estimates the Jaccard similarity of two sketches.
func Similarity(a, b []uint64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter, union int
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
		union++
	}
	union += len(a) - i + len(b) - j
	return float64(inter) / float64(union)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
