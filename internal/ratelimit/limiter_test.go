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

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(clock *fakeClock) (*Limiter, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, 0, 0, WithClock(clock.Now)), store
}

func TestAllow_EleventhMessageIsLimited(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l, _ := newTestLimiter(clock)
	ctx := context.Background()

	for i := 1; i <= DefaultMax; i++ {
		d, err := l.Allow(ctx, "a@b.com", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "message %d should be allowed", i)
		assert.Equal(t, i, d.Count)
		clock.Advance(time.Minute)
	}

	d, err := l.Allow(ctx, "A@B.com ", "msg-11")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "11th message inside the window must be limited")
	assert.Equal(t, DefaultMax, d.Count)
}

func TestAllow_WindowSlidesContinuously(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	l, _ := newTestLimiter(clock)
	ctx := context.Background()

	// Ten messages spaced one minute apart: 09:00 .. 09:09.
	for i := 0; i < DefaultMax; i++ {
		_, err := l.Allow(ctx, "a@b.com", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	clock.t = start.Add(59 * time.Minute)
	d, err := l.Allow(ctx, "a@b.com", "late-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// At 10:00 only the 09:00 entry has left the window.
	clock.t = start.Add(time.Hour)
	d, err = l.Allow(ctx, "a@b.com", "late-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "a@b.com", "late-3")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "09:01 entry is still inside the window")

	clock.t = start.Add(time.Hour + time.Minute)
	d, err = l.Allow(ctx, "a@b.com", "late-4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_AfterFullExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l, store := newTestLimiter(clock)
	ctx := context.Background()

	for i := 0; i < DefaultMax+3; i++ {
		_, err := l.Allow(ctx, "a@b.com", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	clock.Advance(DefaultWindow + time.Second)
	d, err := l.Allow(ctx, "a@b.com", "fresh")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
	assert.Equal(t, 1, store.Len())
}

func TestAllow_RedeliveredTokenNotCountedTwice(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := New(NewMemoryStore(), time.Hour, 2, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "a@b.com", "same-message")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Count)
	}

	d, err := l.Allow(ctx, "a@b.com", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(ctx, "a@b.com", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// A token already inside the window is still let through.
	d, err = l.Allow(ctx, "a@b.com", "same-message")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_SendersAreIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(NewMemoryStore(), time.Hour, 1, WithClock(clock.Now))
	ctx := context.Background()

	d, _ := l.Allow(ctx, "a@b.com", "1")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "c@d.com", "2")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "a@b.com", "3")
	assert.False(t, d.Allowed)
}

func TestAllow_ConcurrentHitsNeverExceedMax(t *testing.T) {
	l := New(NewMemoryStore(), time.Hour, 10)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := l.Allow(ctx, "flood@b.com", fmt.Sprintf("m%d", i))
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}
