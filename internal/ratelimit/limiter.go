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

// Package ratelimit enforces a sliding window of allowed actions per sender.
// Window state lives in a Store so that several router processes can share
// one Redis instance.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Hour

	// DefaultMax is the number of actions allowed per sender per window.
	DefaultMax = 10
)

// Store performs the atomic trim-count-add step of the sliding window.
//
// Hit must, as one atomic operation: drop entries older than now-window,
// allow the action if token is already recorded inside the window, and
// otherwise record (now, token) only when fewer than max entries remain.
// It returns whether the action is allowed and the entry count afterwards.
type Store interface {
	Hit(ctx context.Context, key, token string, now time.Time, window time.Duration, max int) (allowed bool, count int, err error)
}

// Decision is the result of a single Allow call.
type Decision struct {
	Allowed bool
	Count   int
	Max     int
}

// Limiter applies one window configuration to a Store.
type Limiter struct {
	store  Store
	window time.Duration
	max    int
	now    func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a limiter. Non-positive window or max fall back to defaults.
func New(store Store, window time.Duration, max int, opts ...Option) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	l := &Limiter{store: store, window: window, max: max, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one action for sender. token identifies the action (the
// message's dedup key) so that a re-delivered message is not counted twice;
// an empty token always counts as a new action.
func (l *Limiter) Allow(ctx context.Context, sender, token string) (Decision, error) {
	key := normalize(sender)
	allowed, count, err := l.store.Hit(ctx, key, token, l.now(), l.window, l.max)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return Decision{Allowed: allowed, Count: count, Max: l.max}, nil
}

func normalize(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}
