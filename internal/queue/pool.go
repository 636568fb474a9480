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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

// Checkpoint records partial output of the running job so a later attempt
// can resume from it.
type Checkpoint func(ctx context.Context, output any) error

// Handler executes one attempt of a job. Handlers must be re-entrant: an
// attempt may be repeated after a crash or a lost lease. The returned output
// is stored even when err is non-nil.
type Handler interface {
	Handle(ctx context.Context, job *models.Job, checkpoint Checkpoint) (output any, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.Job, checkpoint Checkpoint) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job, checkpoint Checkpoint) (any, error) {
	return f(ctx, job, checkpoint)
}

// Wakeup carries enqueue notifications between processes.
type Wakeup interface {
	Notify(ctx context.Context, kind string) error
	Listen(ctx context.Context, wake func(kind string)) error
}

// PoolConfig holds the configuration for the worker pool.
type PoolConfig struct {
	Store        Store
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	Backoff      Backoff
	MaxAttempts  int
	Notifier     Wakeup // optional
	WorkerPrefix string
}

// Pool is a fixed-size worker pool over a Store.
type Pool struct {
	store        Store
	workers      int
	pollInterval time.Duration
	lease        time.Duration
	backoff      Backoff
	maxAttempts  int
	notifier     Wakeup
	prefix       string

	mu       sync.RWMutex
	handlers map[string]Handler

	wake chan struct{}
	now  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. Zero values take the documented defaults:
// 4 workers, 2s poll interval, 5m lease, DefaultBackoff and 8 attempts.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		store:        cfg.Store,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		lease:        cfg.Lease,
		backoff:      cfg.Backoff,
		maxAttempts:  cfg.MaxAttempts,
		notifier:     cfg.Notifier,
		prefix:       cfg.WorkerPrefix,
		handlers:     make(map[string]Handler),
		now:          func() time.Time { return time.Now().UTC() },
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 2 * time.Second
	}
	if p.lease <= 0 {
		p.lease = 5 * time.Minute
	}
	if p.backoff == (Backoff{}) {
		p.backoff = DefaultBackoff
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 8
	}
	if p.prefix == "" {
		host, _ := os.Hostname()
		p.prefix = host + ":" + strconv.Itoa(os.Getpid())
	}
	p.wake = make(chan struct{}, p.workers)
	return p
}

// Register binds a handler to a job kind. Call before Start.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

func (p *Pool) kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) handler(kind string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Enqueue stores a job and wakes a worker. A deduplicated enqueue returns
// the live job with created false.
func (p *Pool) Enqueue(ctx context.Context, nj NewJob) (*models.Job, bool, error) {
	if nj.MaxAttempts <= 0 {
		nj.MaxAttempts = p.maxAttempts
	}
	job, created, err := p.store.Enqueue(ctx, nj)
	if err != nil {
		return nil, false, err
	}
	if created {
		slog.Debug("job enqueued", "job_id", job.ID, "kind", job.Kind, "office", job.OfficeID)
		p.signal()
		if p.notifier != nil {
			if err := p.notifier.Notify(ctx, job.Kind); err != nil {
				slog.Warn("job notification failed", "job_id", job.ID, "error", err)
			}
		}
	}
	return job, created, nil
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Status returns the job's status view.
func (p *Pool) Status(ctx context.Context, id string) (models.JobStatus, error) {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return models.JobStatus{}, err
	}
	return j.Status(), nil
}

// Cancel cancels a job; an active job is cancelled when its attempt ends.
func (p *Pool) Cancel(ctx context.Context, id string) (models.JobStatus, error) {
	j, err := p.store.Cancel(ctx, id, p.now())
	if err != nil {
		if j != nil {
			return j.Status(), err
		}
		return models.JobStatus{}, err
	}
	slog.Info("job cancel requested", "job_id", id, "state", j.State)
	return j.Status(), nil
}

// Health reports per-kind counts and whether the worker fleet looks stalled:
// work is waiting and nothing was claimed for two poll intervals plus a lease.
func (p *Pool) Health(ctx context.Context) (models.QueueHealth, error) {
	counts, last, err := p.store.Counts(ctx)
	if err != nil {
		return models.QueueHealth{}, err
	}
	h := models.QueueHealth{Kinds: counts, LastClaimAt: last}
	waiting := 0
	for _, k := range counts {
		waiting += k.Pending + k.Retry
	}
	threshold := 2*p.pollInterval + p.lease
	if waiting > 0 && (last == nil || p.now().Sub(*last) > threshold) {
		h.Stalled = true
	}
	return h, nil
}

// Purge deletes terminal jobs older than retention.
func (p *Pool) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := p.store.Purge(ctx, p.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged terminal jobs", "count", n, "retention", retention)
	}
	return n, nil
}

// Start launches the workers and, if configured, the notification listener.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.prefix, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(loopCtx, workerID)
		}()
	}

	if p.notifier != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			err := p.notifier.Listen(loopCtx, func(kind string) {
				if _, ok := p.handler(kind); ok {
					p.signal()
				}
			})
			if err != nil {
				slog.Warn("job notification listener stopped, falling back to polling", "error", err)
			}
		}()
	}

	slog.Info("worker pool started",
		"workers", p.workers,
		"kinds", p.kinds(),
		"poll_interval", p.pollInterval,
		"lease", p.lease,
	)
}

// Stop cancels the workers and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, workerID string) {
	for {
		ran, err := p.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			slog.Error("worker claim failed", "worker", workerID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.pollInterval):
		}
	}
}

// RunOnce claims and executes at most one due job. It reports whether a job
// was run.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	kinds := p.kinds()
	if len(kinds) == 0 {
		return false, nil
	}
	now := p.now()
	job, err := p.store.Claim(ctx, workerID, kinds, now, now.Add(p.lease))
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.execute(ctx, workerID, job)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, workerID string, job *models.Job) {
	start := time.Now()
	log := slog.With("job_id", job.ID, "kind", job.Kind, "office", job.OfficeID,
		"attempt", job.AttemptCount, "worker", workerID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		p.heartbeat(hbCtx, workerID, job.ID)
	}()

	checkpoint := func(ctx context.Context, output any) error {
		raw, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		return p.store.SaveProgress(ctx, job.ID, workerID, raw)
	}

	output, herr := p.invoke(ctx, job, checkpoint)
	stopHeartbeat()
	hbDone.Wait()

	var raw json.RawMessage
	if output != nil {
		var err error
		if raw, err = json.Marshal(output); err != nil {
			log.Error("job output not serialisable", "error", err)
			raw = nil
		}
	}

	now := p.now()
	out := Outcome{State: models.JobCompleted, Output: raw}
	if herr != nil {
		out.Error = herr.Error()
		var at *retryAtError
		switch {
		case IsPermanent(herr):
			out.State = models.JobFailed
		case job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts:
			out.State = models.JobFailed
		case errors.As(herr, &at):
			out.State = models.JobRetry
			out.RunAt = at.at
		default:
			out.State = models.JobRetry
			out.RunAt = now.Add(p.backoff.Delay(job.AttemptCount))
		}
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	final, err := p.store.Finish(finishCtx, job.ID, workerID, out, now)
	if err != nil {
		log.Warn("job result dropped", "error", err)
		return
	}

	duration := time.Since(start).Milliseconds()
	switch final.State {
	case models.JobCompleted:
		log.Info("job completed", "duration_ms", duration)
	case models.JobRetry:
		log.Warn("job attempt failed, retry scheduled",
			"error", herr, "next_attempt_at", final.NextAttemptAt, "duration_ms", duration)
	case models.JobFailed:
		log.Error("job failed", "error", herr, "duration_ms", duration)
	case models.JobCancelled:
		log.Info("job cancelled, attempt result discarded", "duration_ms", duration)
	}
}

// invoke runs the handler, turning a panic into a permanent failure.
func (p *Pool) invoke(ctx context.Context, job *models.Job, checkpoint Checkpoint) (output any, err error) {
	h, ok := p.handler(job.Kind)
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for kind %q", job.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, job, checkpoint)
}

// heartbeat extends the job lease until ctx ends.
func (p *Pool) heartbeat(ctx context.Context, workerID, jobID string) {
	ticker := time.NewTicker(p.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, jobID, workerID, p.now().Add(p.lease)); err != nil {
				if ctx.Err() == nil {
					slog.Warn("job lease heartbeat failed", "job_id", jobID, "error", err)
				}
				if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrNotFound) {
					return
				}
			}
		}
	}
}
