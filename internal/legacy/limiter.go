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

package legacy

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every caller of one office, optionally
// chained to a system-wide bucket. Callers block while waiting for a token;
// once queueDepth callers are already waiting, further callers fail fast.
type Limiter struct {
	local  *rate.Limiter
	global *rate.Limiter
	queue  *semaphore.Weighted
}

// NewLimiter creates an office limiter. global may be nil.
func NewLimiter(perSecond float64, burst, queueDepth int, global *rate.Limiter) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Limiter{
		local:  rate.NewLimiter(rate.Limit(perSecond), burst),
		global: global,
		queue:  semaphore.NewWeighted(int64(queueDepth)),
	}
}

// NewGlobalLimiter creates the optional system-wide bucket; nil when disabled.
func NewGlobalLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Wait blocks until a token is available in every bucket.
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.queue.TryAcquire(1) {
		return ErrRateLimited
	}
	defer l.queue.Release(1)

	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return limiterErr(ctx, err)
		}
	}
	if err := l.local.Wait(ctx); err != nil {
		return limiterErr(ctx, err)
	}
	return nil
}

func limiterErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// rate.Wait refuses up front when the deadline cannot be met.
	return fmt.Errorf("%w: %v", ErrRateLimited, err)
}
