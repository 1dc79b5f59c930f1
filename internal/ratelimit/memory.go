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
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	at    time.Time
	token string
}

// MemoryStore keeps per-sender windows in process. Entries are ordered by
// recency and trimmed from the front on access; empty windows are evicted.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]entry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]entry)}
}

// Hit implements Store.
func (m *MemoryStore) Hit(_ context.Context, key, token string, now time.Time, window time.Duration, max int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	entries := m.windows[key]
	i := 0
	for i < len(entries) && !entries[i].at.After(cutoff) {
		i++
	}
	entries = entries[i:]

	if token != "" {
		for _, e := range entries {
			if e.token == token {
				m.windows[key] = entries
				return true, len(entries), nil
			}
		}
	} else {
		token = uuid.NewString()
	}

	if len(entries) >= max {
		m.store(key, entries)
		return false, len(entries), nil
	}

	entries = append(entries, entry{at: now, token: token})
	m.windows[key] = entries
	return true, len(entries), nil
}

func (m *MemoryStore) store(key string, entries []entry) {
	if len(entries) == 0 {
		delete(m.windows, key)
		return
	}
	m.windows[key] = entries
}

// Len returns the number of senders with live windows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
