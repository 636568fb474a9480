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

// Package delta is the reconciliation poller. The legacy system has no change
// feed, so each (office, entity type) pair is caught up by paging through
// records modified since its watermark and upserting them into the shadow
// store. The watermark only moves inside the transaction that stores the
// page, so a failed cycle is redelivered on the next one.
package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/casebridge/internal/acl"
	"github.com/bcem/casebridge/internal/legacy"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/shadow"
)

// ErrInFlight is returned when a poll for the same office and entity type is
// already running.
var ErrInFlight = errors.New("poll already in flight")

// Store is the part of the shadow store the poller writes through.
type Store interface {
	Watermark(ctx context.Context, officeID string, t models.EntityType) (time.Time, error)
	ApplyPage(ctx context.Context, officeID string, t models.EntityType, recs []models.Record, watermark time.Time) (shadow.PageResult, error)
}

// IntakeFunc is called for each inbound email the poller sees for the first
// time. Errors are logged; they never fail the poll.
type IntakeFunc func(ctx context.Context, officeID string, e *models.Entity) error

// Result summarises one poll of one (office, type) pair.
type Result struct {
	Office    string
	Type      models.EntityType
	Pages     int
	Records   int
	Inserted  int
	Updated   int
	Conflicts int
	Watermark time.Time
	// Truncated is set when the page ceiling stopped the poll before legacy
	// ran out of changes. The next cycle continues from the watermark.
	Truncated bool
}

// Config holds the configuration for the poller.
type Config struct {
	Legacy      legacy.Caller
	Store       Store
	Offices     []string
	Types       []models.EntityType // defaults to models.SyncedEntityTypes
	Interval    time.Duration
	PageSize    int
	PageCeiling int // 0 means unbounded
	Intake      IntakeFunc
}

// Poller runs reconciliation polls.
type Poller struct {
	legacy      legacy.Caller
	store       Store
	offices     []string
	types       []models.EntityType
	interval    time.Duration
	pageSize    int
	pageCeiling int
	intake      IntakeFunc

	// inflight holds one mutex per office:type pair.
	inflight sync.Map

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a reconciliation poller.
func NewPoller(cfg Config) *Poller {
	types := cfg.Types
	if len(types) == 0 {
		types = models.SyncedEntityTypes
	}
	size := cfg.PageSize
	if size <= 0 {
		size = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		legacy:      cfg.Legacy,
		store:       cfg.Store,
		offices:     cfg.Offices,
		types:       types,
		interval:    interval,
		pageSize:    size,
		pageCeiling: cfg.PageCeiling,
		intake:      cfg.Intake,
	}
}

func (p *Poller) lock(officeID string, t models.EntityType) *sync.Mutex {
	mu, _ := p.inflight.LoadOrStore(officeID+":"+string(t), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PollOnce catches (office, type) up from its watermark, bounded by the page
// ceiling. It returns ErrInFlight instead of overlapping a running poll.
func (p *Poller) PollOnce(ctx context.Context, officeID string, t models.EntityType) (Result, error) {
	return p.poll(ctx, officeID, t, false)
}

// Backfill pages through every record legacy holds for (office, type),
// ignoring the watermark and the page ceiling. Already-mirrored records come
// back unchanged; the watermark never moves backwards.
func (p *Poller) Backfill(ctx context.Context, officeID string, t models.EntityType) (Result, error) {
	return p.poll(ctx, officeID, t, true)
}

func (p *Poller) poll(ctx context.Context, officeID string, t models.EntityType, full bool) (Result, error) {
	mu := p.lock(officeID, t)
	if !mu.TryLock() {
		return Result{}, fmt.Errorf("%s %s: %w", officeID, t, ErrInFlight)
	}
	defer mu.Unlock()

	start := time.Now()
	res := Result{Office: officeID, Type: t}

	since := time.Time{}
	if !full {
		w, err := p.store.Watermark(ctx, officeID, t)
		if err != nil {
			return res, fmt.Errorf("read watermark %s %s: %w", officeID, t, err)
		}
		since = w
	}
	res.Watermark = since

	// modifiedSince is inclusive, so restarting from a raised watermark
	// refetches the boundary records (they come back unchanged). pageNo only
	// grows while a full page shares one timestamp and the watermark cannot
	// move.
	pageNo := 1
	for {
		if !full && p.pageCeiling > 0 && res.Pages >= p.pageCeiling {
			res.Truncated = true
			break
		}

		payload, err := acl.ChangedSince(t, since, pageNo, p.pageSize)
		if err != nil {
			return res, err
		}
		resp, err := p.legacy.Do(ctx, officeID, legacy.Request{
			Method: payload.Method,
			Path:   payload.Path,
			Body:   payload.Body,
			Safe:   true,
		})
		if err != nil {
			return res, fmt.Errorf("fetch %s page %d: %w", t, res.Pages+1, err)
		}
		page, err := acl.ParsePage(resp.Body)
		if err != nil {
			return res, err
		}
		recs, err := acl.AdaptAll(t, page.Results)
		if err != nil {
			return res, fmt.Errorf("adapt %s page %d: %w", t, res.Pages+1, err)
		}

		mark := since
		for _, r := range recs {
			if r.UpdatedAt.After(mark) {
				mark = r.UpdatedAt
			}
		}

		applied, err := p.store.ApplyPage(ctx, officeID, t, recs, mark)
		if err != nil {
			return res, fmt.Errorf("apply %s page %d: %w", t, res.Pages+1, err)
		}
		res.Pages++
		res.Records += len(recs)
		res.Inserted += applied.Count(shadow.OutcomeInserted)
		res.Updated += applied.Count(shadow.OutcomeUpdated)
		res.Conflicts += applied.Count(shadow.OutcomeConflict)
		res.Watermark = applied.Watermark

		p.intakeNew(ctx, officeID, applied.Changes)

		if len(page.Results) < p.pageSize {
			break
		}
		if mark.After(since) {
			since = mark
			pageNo = 1
		} else {
			pageNo++
		}
	}

	slog.Info("reconciliation poll complete",
		"office", officeID,
		"entity_type", t,
		"pages", res.Pages,
		"records", res.Records,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"conflicts", res.Conflicts,
		"truncated", res.Truncated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// intakeNew hands newly mirrored inbound emails to triage.
func (p *Poller) intakeNew(ctx context.Context, officeID string, changes []shadow.Change) {
	if p.intake == nil {
		return
	}
	for _, ch := range changes {
		if ch.Outcome != shadow.OutcomeInserted || ch.Entity.Type != models.EntityEmail {
			continue
		}
		if ch.Entity.Fields["direction"] != models.DirectionInbound || ch.Entity.DeletedAt != nil {
			continue
		}
		if err := p.intake(ctx, officeID, ch.Entity); err != nil {
			slog.Error("triage intake failed",
				"office", officeID,
				"external_id", ch.Entity.External(),
				"error", err,
			)
		}
	}
}

// PollOffice polls every configured type for one office in dependency
// order, so reference data lands before the records that point at it. A
// failing type is logged and does not stop the others.
func (p *Poller) PollOffice(ctx context.Context, officeID string) []Result {
	var out []Result
	for _, t := range p.types {
		if ctx.Err() != nil {
			break
		}
		res, err := p.PollOnce(ctx, officeID, t)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, ErrInFlight) || errors.Is(err, legacy.ErrRateLimited) {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "reconciliation poll failed",
				"office", officeID,
				"entity_type", t,
				"error", err,
			)
			continue
		}
		out = append(out, res)
	}
	return out
}

// PollAll polls every office concurrently.
func (p *Poller) PollAll(ctx context.Context) []Result {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []Result
	)
	for _, officeID := range p.offices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.PollOffice(ctx, officeID)
			mu.Lock()
			out = append(out, res...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// Start runs one periodic loop per office. A tick that fires while the
// previous cycle is still running is dropped by the ticker.
func (p *Poller) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, officeID := range p.offices {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()

			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()

			p.PollOffice(loopCtx, officeID)
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					p.PollOffice(loopCtx, officeID)
				}
			}
		}()
	}

	slog.Info("reconciliation pollers started",
		"offices", len(p.offices),
		"interval", p.interval,
		"page_size", p.pageSize,
		"page_ceiling", p.pageCeiling,
	)
}

// Stop shuts down the periodic loops and waits for in-flight polls.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
