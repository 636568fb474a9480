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

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/casebridge/internal/lease"
	"github.com/bcem/casebridge/internal/models"
)

// ErrBusy is returned when another holder has the automation lease.
var ErrBusy = errors.New("automation session is in use")

// BusyError carries the lease that blocked the caller.
type BusyError struct {
	Holder *models.Lease
}

func (e *BusyError) Error() string {
	if e.Holder == nil || e.Holder.Holder == "" {
		return ErrBusy.Error()
	}
	return fmt.Sprintf("%s: held by %s until %s", ErrBusy, e.Holder.Holder, e.Holder.ExpiresAt.Format(time.RFC3339))
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// Bot is the part of Client the session service uses.
type Bot interface {
	StartSession(ctx context.Context, officeID, leaseToken string) (*Session, error)
	CaptureSession(ctx context.Context, sessionID string) error
	CancelSession(ctx context.Context, sessionID string) error
}

// Handle is what a caller keeps while it holds an interactive session.
type Handle struct {
	Lease   *models.Lease `json:"lease"`
	Session *Session      `json:"session"`
}

// Sessions runs interactive login sessions under the automation lease.
type Sessions struct {
	lease lease.Leaser
	bot   Bot
	ttl   time.Duration
}

// NewSessions creates the session service.
func NewSessions(l lease.Leaser, bot Bot, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = lease.DefaultTTL
	}
	return &Sessions{lease: l, bot: bot, ttl: ttl}
}

// Start takes the lease and opens a bot session. The lease is given back if
// the bot cannot start one.
func (s *Sessions) Start(ctx context.Context, officeID, holder string) (*Handle, error) {
	res, err := s.lease.Acquire(ctx, officeID, holder, s.ttl)
	if err != nil {
		return nil, err
	}
	if !res.Granted {
		return nil, &BusyError{Holder: res.Holder}
	}

	sess, err := s.bot.StartSession(ctx, officeID, res.Lease.Token)
	if err != nil {
		s.release(ctx, res.Lease)
		return nil, fmt.Errorf("start bot session: %w", err)
	}
	return &Handle{Lease: res.Lease, Session: sess}, nil
}

// Renew extends the lease while a human is still working in the session.
func (s *Sessions) Renew(ctx context.Context, token string) (*models.Lease, error) {
	return s.lease.Renew(ctx, &models.Lease{Token: token}, s.ttl)
}

// Capture stores the session credentials in the bot and releases the lease.
func (s *Sessions) Capture(ctx context.Context, token, sessionID string) error {
	if err := s.holds(ctx, token); err != nil {
		return err
	}
	if err := s.bot.CaptureSession(ctx, sessionID); err != nil {
		return fmt.Errorf("capture bot session: %w", err)
	}
	s.release(ctx, &models.Lease{Token: token})
	return nil
}

// Cancel aborts the session and releases the lease. The lease is released
// even if the bot call fails, since the bot session times out on its own.
func (s *Sessions) Cancel(ctx context.Context, token, sessionID string) error {
	if err := s.holds(ctx, token); err != nil {
		return err
	}
	err := s.bot.CancelSession(ctx, sessionID)
	s.release(ctx, &models.Lease{Token: token})
	if err != nil {
		return fmt.Errorf("cancel bot session: %w", err)
	}
	return nil
}

// holds checks that token is the live lease, renewing it as a side effect.
func (s *Sessions) holds(ctx context.Context, token string) error {
	if _, err := s.lease.Renew(ctx, &models.Lease{Token: token}, s.ttl); err != nil {
		return err
	}
	return nil
}

func (s *Sessions) release(ctx context.Context, l *models.Lease) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.lease.Release(releaseCtx, l); err != nil {
		slog.Error("failed to release automation lease", "holder", l.Holder, "error", err)
	}
}
