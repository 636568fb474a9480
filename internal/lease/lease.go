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

// Package lease implements the automation lease: a single shared,
// time-bounded mutex over the browser-automation session. A holder that
// stops renewing loses the lease once it expires, so a crashed holder can
// never deadlock the bot.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/casebridge/internal/models"
)

// Resource names the single leased row.
const Resource = "automation"

// DefaultTTL is used when a caller passes a non-positive ttl.
const DefaultTTL = 10 * time.Minute

// ErrLeaseLost is returned by Renew when the lease expired and was taken by
// someone else, or was released.
var ErrLeaseLost = errors.New("automation lease lost")

// Result is the outcome of Acquire. Exactly one of Lease (granted) or
// Holder (denied, the current lease) is set.
type Result struct {
	Granted bool          `json:"granted"`
	Lease   *models.Lease `json:"lease,omitempty"`
	Holder  *models.Lease `json:"holder,omitempty"`
}

// Leaser is the lease contract. Acquire never blocks waiting for the lease;
// a denied caller retries on its own schedule.
type Leaser interface {
	// Acquire grants the lease only if it is free or expired. A live lease
	// is denied whoever holds it; holders extend it with Renew.
	Acquire(ctx context.Context, officeID, holder string, ttl time.Duration) (Result, error)
	// Renew extends a held lease. It fails with ErrLeaseLost if l no longer
	// holds it.
	Renew(ctx context.Context, l *models.Lease, ttl time.Duration) (*models.Lease, error)
	// Release frees the lease if l still holds it. Releasing a lost lease
	// is not an error.
	Release(ctx context.Context, l *models.Lease) error
	// Current returns the live lease, or nil when the resource is free.
	Current(ctx context.Context) (*models.Lease, error)
	// ForceRelease frees the lease whoever holds it. It reports whether a
	// lease was held.
	ForceRelease(ctx context.Context) (bool, error)
}

func newLease(officeID, holder string, now time.Time, ttl time.Duration) *models.Lease {
	return &models.Lease{
		Resource:  Resource,
		OfficeID:  officeID,
		Holder:    holder,
		Token:     uuid.NewString(),
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
