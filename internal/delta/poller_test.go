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

package delta

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bcem/casebridge/internal/legacy"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/shadow"
)

const office = "office-1"

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeLegacy serves {entity}/search from in-memory records.
type fakeLegacy struct {
	mu      sync.Mutex
	records map[string][]map[string]any // search path -> raw records
	calls   int

	entered chan struct{} // receives once per call when set
	release chan struct{} // calls wait on it when set

	down map[string]bool // offices whose calls fail
}

func newFakeLegacy() *fakeLegacy {
	return &fakeLegacy{records: make(map[string][]map[string]any)}
}

func (f *fakeLegacy) add(path string, rec map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[path] = append(f.records[path], rec)
}

func (f *fakeLegacy) Do(ctx context.Context, officeID string, req legacy.Request) (*legacy.Response, error) {
	if f.down[officeID] {
		return nil, errors.New("legacy unreachable")
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	body := req.Body.(map[string]any)
	filter := body["filter"].(map[string]any)
	pageNo := body["pageNo"].(int)
	size := body["resultsPerPage"].(int)
	var since time.Time
	if s, ok := filter["modifiedSince"].(string); ok {
		since, _ = time.Parse(time.RFC3339Nano, s)
	}

	modified := func(r map[string]any) time.Time {
		ts, _ := time.Parse(time.RFC3339, r["lastModified"].(string))
		return ts
	}
	var match []map[string]any
	for _, r := range f.records[req.Path] {
		if !modified(r).Before(since) {
			match = append(match, r)
		}
	}
	sort.SliceStable(match, func(i, j int) bool {
		if !modified(match[i]).Equal(modified(match[j])) {
			return modified(match[i]).Before(modified(match[j]))
		}
		return match[i]["id"].(int) < match[j]["id"].(int)
	})

	results := []map[string]any{}
	if lo := (pageNo - 1) * size; lo < len(match) {
		hi := min(lo+size, len(match))
		results = match[lo:hi]
	}
	data, err := json.Marshal(map[string]any{"results": results, "totalResults": len(match)})
	if err != nil {
		return nil, err
	}
	return &legacy.Response{Status: 200, Body: data}, nil
}

func legacyCase(id int, at time.Time) map[string]any {
	return map[string]any{
		"id":            id,
		"lastModified":  at.Format(time.RFC3339),
		"constituentID": 7,
		"caseTypeID":    3,
		"summary":       "case " + strconv.Itoa(id),
		"assignedToID":  20,
		"priority":      2,
	}
}

func seedCases(f *fakeLegacy, n int) {
	for i := 1; i <= n; i++ {
		f.add("/cases/search", legacyCase(i, t0.Add(time.Duration(i)*time.Minute)))
	}
}

func newTestPoller(f *fakeLegacy, store Store, mutate func(*Config)) *Poller {
	cfg := Config{
		Legacy:   f,
		Store:    store,
		Offices:  []string{office},
		Types:    []models.EntityType{models.EntityCase},
		PageSize: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewPoller(cfg)
}

func TestPollOnce_PagesUntilExhausted(t *testing.T) {
	f := newFakeLegacy()
	seedCases(f, 5)
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, nil)

	res, err := p.PollOnce(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
	assert.False(t, res.Truncated)
	assert.Equal(t, t0.Add(5*time.Minute), res.Watermark)
	assert.Equal(t, 5, store.Len())

	w, err := store.Watermark(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Minute), w)

	// A second cycle only refetches the boundary record.
	res, err = p.PollOnce(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Records)
}

func TestPollOnce_PageCeilingResumesFromWatermark(t *testing.T) {
	f := newFakeLegacy()
	seedCases(f, 5)
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, func(c *Config) { c.PageCeiling = 2 })

	res, err := p.PollOnce(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.Pages)
	assert.Less(t, store.Len(), 5)

	for i := 0; i < 5 && res.Truncated; i++ {
		res, err = p.PollOnce(context.Background(), office, models.EntityCase)
		require.NoError(t, err)
	}
	assert.False(t, res.Truncated)
	assert.Equal(t, 5, store.Len())
}

func TestPollOnce_FullPageOnOneTimestamp(t *testing.T) {
	f := newFakeLegacy()
	for i := 1; i <= 3; i++ {
		f.add("/cases/search", legacyCase(i, t0))
	}
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, nil)

	res, err := p.PollOnce(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, t0, res.Watermark)
}

func TestPollOnce_FailedPageKeepsWatermark(t *testing.T) {
	f := newFakeLegacy()
	seedCases(f, 3)
	store := shadow.NewMemStore()
	store.FailOn(func(r models.Record) error {
		if r.ExternalID == "2" {
			return errors.New("disk full")
		}
		return nil
	})
	p := newTestPoller(f, store, nil)

	_, err := p.PollOnce(context.Background(), office, models.EntityCase)
	require.Error(t, err)
	w, err := store.Watermark(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.True(t, w.IsZero())
	assert.Equal(t, 0, store.Len())

	store.FailOn(nil)
	res, err := p.PollOnce(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 3, store.Len())
}

func TestPollOnce_UntranslatablePageFails(t *testing.T) {
	f := newFakeLegacy()
	f.add("/cases/search", map[string]any{"lastModified": t0.Format(time.RFC3339), "summary": "no id"})
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, nil)

	_, err := p.PollOnce(context.Background(), office, models.EntityCase)
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestPollOnce_NeverOverlapsItself(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeLegacy()
	seedCases(f, 1)
	f.entered = make(chan struct{}, 1)
	f.release = make(chan struct{})
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.PollOnce(context.Background(), office, models.EntityCase)
		done <- err
	}()
	<-f.entered

	_, err := p.PollOnce(context.Background(), office, models.EntityCase)
	assert.ErrorIs(t, err, ErrInFlight)

	close(f.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, store.Len())
}

func TestPollOnce_IntakeSeesNewInboundEmailsOnce(t *testing.T) {
	f := newFakeLegacy()
	f.add("/emails/search", map[string]any{
		"id": 500, "lastModified": t0.Format(time.RFC3339), "type": "received",
		"fromAddress": "Resident@Example.com", "to": "mp@office.example", "subject": "Housing disrepair",
	})
	f.add("/emails/search", map[string]any{
		"id": 501, "lastModified": t0.Add(time.Minute).Format(time.RFC3339), "type": "sent",
		"fromAddress": "mp@office.example", "to": "resident@example.com", "subject": "Re: Housing disrepair",
	})

	var (
		mu   sync.Mutex
		seen []string
	)
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, func(c *Config) {
		c.Types = []models.EntityType{models.EntityEmail}
		c.PageSize = 10
		c.Intake = func(_ context.Context, officeID string, e *models.Entity) error {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, office, officeID)
			seen = append(seen, e.External())
			return nil
		}
	})

	_, err := p.PollOnce(context.Background(), office, models.EntityEmail)
	require.NoError(t, err)
	_, err = p.PollOnce(context.Background(), office, models.EntityEmail)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"500"}, seen)
}

func TestBackfill_IgnoresWatermarkAndCeiling(t *testing.T) {
	f := newFakeLegacy()
	seedCases(f, 5)
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, func(c *Config) { c.PageCeiling = 1 })

	_, err := p.PollOnce(context.Background(), office, models.EntityCase)
	require.NoError(t, err)

	res, err := p.Backfill(context.Background(), office, models.EntityCase)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, 5, store.Len())
	assert.Equal(t, t0.Add(5*time.Minute), res.Watermark)
}

func TestPollAll_EveryOffice(t *testing.T) {
	f := newFakeLegacy()
	seedCases(f, 2)
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, func(c *Config) { c.Offices = []string{"a", "b"} })

	results := p.PollAll(context.Background())
	assert.Len(t, results, 2)
	assert.Equal(t, 4, store.Len())
}

func TestPollAll_FailingOfficeDoesNotCancelOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeLegacy()
	f.down = map[string]bool{"b": true}
	seedCases(f, 2)
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, func(c *Config) { c.Offices = []string{"a", "b", "c"} })

	results := p.PollAll(context.Background())
	require.Len(t, results, 2)
	polled := []string{results[0].Office, results[1].Office}
	sort.Strings(polled)
	assert.Equal(t, []string{"a", "c"}, polled)
	assert.Equal(t, 4, store.Len())
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeLegacy()
	seedCases(f, 1)
	store := shadow.NewMemStore()
	p := newTestPoller(f, store, func(c *Config) { c.Interval = 10 * time.Millisecond })

	p.Start(context.Background())
	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
}
