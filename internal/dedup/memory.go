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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/ticketrouter/internal/models"
)

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLeaseState
	now    func() time.Time
}

type memoryLeaseState struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process lease manager.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLeaseState), now: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, nil
	}
	token := uuid.NewString()
	l.leases[key] = memoryLeaseState{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	cur, ok := m.locker.leases[m.key]
	if !ok || cur.token != m.token {
		return ErrLeaseLost
	}
	delete(m.locker.leases, m.key)
	return nil
}

func (m *memoryLease) Refresh(_ context.Context, ttl time.Duration) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	now := m.locker.now()
	cur, ok := m.locker.leases[m.key]
	if !ok || cur.token != m.token || !now.Before(cur.expires) {
		return ErrLeaseLost
	}
	cur.expires = now.Add(ttl)
	m.locker.leases[m.key] = cur
	return nil
}

// MemoryRecords is a single-process RecordStore.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[string]models.ProcessedRecord
}

// NewMemoryRecords creates an empty in-process record store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]models.ProcessedRecord)}
}

// Get implements RecordStore.
func (m *MemoryRecords) Get(_ context.Context, dedupKey string) (*models.ProcessedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[dedupKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Save implements RecordStore.
func (m *MemoryRecords) Save(_ context.Context, rec models.ProcessedRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.DedupKey]; ok && cur.Outcome == models.OutcomeTicketCreated {
		return false, nil
	}
	m.records[rec.DedupKey] = rec
	return true, nil
}

// Purge drops records last updated before cutoff and returns how many.
func (m *MemoryRecords) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
