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

package lease

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// exerciseLeaser runs the contract against any implementation driven by clk.
func exerciseLeaser(t *testing.T, l Leaser, clk *clock) {
	ctx := context.Background()
	_, err := l.ForceRelease(ctx)
	require.NoError(t, err)

	first, err := l.Acquire(ctx, "office-1", "caseworker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, first.Granted)
	assert.Equal(t, Resource, first.Lease.Resource)
	assert.NotEmpty(t, first.Lease.Token)

	denied, err := l.Acquire(ctx, "office-2", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	require.NotNil(t, denied.Holder)
	assert.Equal(t, "caseworker-a", denied.Holder.Holder)

	// Renewal keeps the lease past its original expiry.
	clk.Advance(50 * time.Second)
	renewed, err := l.Renew(ctx, first.Lease, time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(first.Lease.ExpiresAt))

	clk.Advance(30 * time.Second)
	denied, err = l.Acquire(ctx, "office-2", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, denied.Granted, "renewed lease must still be held")

	// Unrenewed past its TTL, it is reclaimable.
	clk.Advance(31 * time.Second)
	taken, err := l.Acquire(ctx, "office-2", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, taken.Granted)

	_, err = l.Renew(ctx, first.Lease, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost)
	require.NoError(t, l.Release(ctx, first.Lease), "releasing a lost lease is a no-op")

	current, err := l.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "worker-b", current.Holder)

	require.NoError(t, l.Release(ctx, taken.Lease))
	current, err = l.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	again, err := l.Acquire(ctx, "office-1", "caseworker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Granted)

	held, err := l.ForceRelease(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestMemLease_Contract(t *testing.T) {
	clk := &clock{now: t0}
	exerciseLeaser(t, NewMemLease(clk.Now), clk)
}

func TestMemLease_SameHolderIsDeniedWhileLive(t *testing.T) {
	clk := &clock{now: t0}
	l := NewMemLease(clk.Now)
	ctx := context.Background()

	a, err := l.Acquire(ctx, "office-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, a.Granted)

	b, err := l.Acquire(ctx, "office-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, b.Granted)
	require.NotNil(t, b.Holder)
	assert.Equal(t, a.Lease.Token, b.Holder.Token)

	// The original token still renews.
	_, err = l.Renew(ctx, a.Lease, time.Minute)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	c, err := l.Acquire(ctx, "office-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Granted)
}

func TestMemLease_ConcurrentSameHolderGrantsOne(t *testing.T) {
	l := NewMemLease(nil)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Acquire(context.Background(), "office-1", "alice", time.Minute)
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestMemLease_ConcurrentAcquireGrantsOne(t *testing.T) {
	l := NewMemLease(nil)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Acquire(context.Background(), "office-1", "holder-"+string(rune('a'+i)), time.Minute)
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func newTestPGLease(t *testing.T) (*PGLease, *clock) {
	t.Helper()
	dsn := os.Getenv("CASEBRIDGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CASEBRIDGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	l, err := NewPGLease(ctx, pool)
	require.NoError(t, err)
	clk := &clock{now: time.Now().UTC().Truncate(time.Millisecond)}
	l.now = clk.Now
	return l, clk
}

func TestPGLease_Contract(t *testing.T) {
	l, clk := newTestPGLease(t)
	exerciseLeaser(t, l, clk)
}

func TestPGLease_ConcurrentAcquireGrantsOne(t *testing.T) {
	l, _ := newTestPGLease(t)
	ctx := context.Background()
	_, err := l.ForceRelease(ctx)
	require.NoError(t, err)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := "holder-" + string(rune('a'+i))
			if i%2 == 0 {
				holder = "alice"
			}
			res, err := l.Acquire(ctx, "office-1", holder, time.Minute)
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())

	_, err = l.ForceRelease(ctx)
	require.NoError(t, err)
	first, err := l.Acquire(ctx, "office-1", "alice", time.Minute)
	require.NoError(t, err)
	require.True(t, first.Granted)
	again, err := l.Acquire(ctx, "office-1", "alice", time.Minute)
	require.NoError(t, err)
	assert.False(t, again.Granted)
	_, err = l.ForceRelease(ctx)
	require.NoError(t, err)
}
