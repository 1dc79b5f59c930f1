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

//go:build integration

package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/ticketrouter/internal/testutil"
)

func TestRedisStore_SlidingWindow(t *testing.T) {
	rdb := testutil.SetupRedis(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	l := New(NewRedisStore(rdb), time.Hour, 3, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "a@b.com", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		now = now.Add(time.Minute)
	}

	d, err := l.Allow(ctx, "a@b.com", "m3")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "a@b.com", "m0")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "already-counted token is let through")

	now = start.Add(time.Hour)
	d, err = l.Allow(ctx, "a@b.com", "m4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Count)
}
