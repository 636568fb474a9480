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

package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, s Seen) {
	t.Helper()
	ctx := context.Background()
	key := Key("office-1", uuid.NewString())

	isNew, err := s.IsNew(ctx, key)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = s.IsNew(ctx, key)
	require.NoError(t, err)
	assert.False(t, isNew)

	require.NoError(t, s.Forget(ctx, key))
	isNew, err = s.IsNew(ctx, key)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestMemFilter(t *testing.T) {
	exercise(t, NewMemFilter(time.Hour))
}

func TestMemFilter_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := NewMemFilter(time.Hour)
	m.now = func() time.Time { return now }

	isNew, err := m.IsNew(ctx, "office-1:m-1")
	require.NoError(t, err)
	require.True(t, isNew)

	now = now.Add(2 * time.Hour)
	isNew, err = m.IsNew(ctx, "office-1:m-1")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestFilter_Redis(t *testing.T) {
	url := os.Getenv("CASEBRIDGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CASEBRIDGE_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	exercise(t, NewFilter(rdb, time.Minute))
}
