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

// Package queue is the durable job queue and its worker pool. Jobs move
// created -> active -> {completed | retry -> active | failed}; cancelled is
// terminal and reachable from any non-terminal state. While active a job is
// owned by one worker until its lease expires, after which it is reclaimable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/bcem/casebridge/internal/models"
)

var (
	// ErrNotFound is returned when no job has the given id.
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker reports on a job it no longer owns.
	ErrLeaseLost = errors.New("job no longer owned by this worker")
	// ErrTerminal is returned when cancelling a job that already finished.
	ErrTerminal = errors.New("job already in a terminal state")
)

// NewJob describes a job to enqueue.
type NewJob struct {
	Kind     string
	OfficeID string
	Payload  any
	// DedupeKey, when set, makes Enqueue return the existing job of the same
	// kind and key while that job is not terminal.
	DedupeKey   string
	MaxAttempts int
	RunAt       time.Time
}

// Outcome is how a worker reports the end of an attempt.
type Outcome struct {
	State  models.JobState // completed, retry or failed
	RunAt  time.Time       // next attempt time when State is retry
	Error  string
	Output json.RawMessage
}

// Store persists jobs.
type Store interface {
	// Enqueue inserts a job. created is false when DedupeKey matched a live job.
	Enqueue(ctx context.Context, j NewJob) (job *models.Job, created bool, err error)

	// Claim atomically takes the oldest due job of one of kinds and makes
	// workerID its owner until leaseUntil. It returns nil when nothing is due.
	// Active jobs whose lease expired are returned to retry (or failed, if
	// out of attempts) before claiming.
	Claim(ctx context.Context, workerID string, kinds []string, now, leaseUntil time.Time) (*models.Job, error)

	// Heartbeat extends the lease of an owned job.
	Heartbeat(ctx context.Context, id, workerID string, leaseUntil time.Time) error

	// SaveProgress records partial output of an owned job.
	SaveProgress(ctx context.Context, id, workerID string, output json.RawMessage) error

	// Finish ends the current attempt. If cancellation was requested while
	// the attempt ran, the job becomes cancelled and the outcome is discarded.
	Finish(ctx context.Context, id, workerID string, out Outcome, now time.Time) (*models.Job, error)

	// Cancel cancels a pending job immediately, or flags an active one so it
	// is cancelled when its attempt finishes.
	Cancel(ctx context.Context, id string, now time.Time) (*models.Job, error)

	Get(ctx context.Context, id string) (*models.Job, error)

	// Counts returns per-kind counts of non-terminal jobs and the time of the
	// most recent claim.
	Counts(ctx context.Context) (map[string]models.KindHealth, *time.Time, error)

	// Purge deletes terminal jobs completed before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Backoff is the exponential retry schedule.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// DefaultBackoff is 1s doubling to a 60s cap.
var DefaultBackoff = Backoff{Base: time.Second, Factor: 2, Cap: 60 * time.Second}

// Delay returns the wait before the attempt following attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, factor, limit := b.Base, b.Factor, b.Cap
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if factor < 1 {
		factor = DefaultBackoff.Factor
	}
	if limit <= 0 {
		limit = DefaultBackoff.Cap
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// permanentError marks a handler failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// retryAtError asks for the next attempt at a specific time.
type retryAtError struct {
	err error
	at  time.Time
}

func (e *retryAtError) Error() string { return e.err.Error() }
func (e *retryAtError) Unwrap() error { return e.err }

// RetryAt wraps err so the next attempt is scheduled at t instead of by the
// backoff schedule. It still counts as an attempt.
func RetryAt(err error, t time.Time) error {
	if err == nil {
		return nil
	}
	return &retryAtError{err: err, at: t}
}
