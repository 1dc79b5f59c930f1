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
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/ticketrouter/internal/models"
)

// RecordStore persists ProcessedRecords keyed by dedup key.
//
// Save is an atomic check-and-write: it inserts or replaces the record
// unless the stored one is already TICKET_CREATED, in which case it returns
// false and leaves the stored record untouched. Get returns (nil, nil) for
// unknown keys.
type RecordStore interface {
	Get(ctx context.Context, dedupKey string) (*models.ProcessedRecord, error)
	Save(ctx context.Context, rec models.ProcessedRecord) (bool, error)
}

const (
	// DefaultRecordTTL is how long Redis remembers a processed message.
	DefaultRecordTTL = 30 * 24 * time.Hour

	recordPrefix = "router:rec:"
)

// saveUnlessCreated writes the record hash unless it is already final.
var saveUnlessCreated = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'outcome') == ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], 'outcome', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisRecords stores records as Redis hashes with a TTL.
type RedisRecords struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisRecords creates a Redis record store. Non-positive ttl uses
// DefaultRecordTTL.
func NewRedisRecords(rdb *redis.Client, ttl time.Duration) *RedisRecords {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &RedisRecords{rdb: rdb, ttl: ttl}
}

// Get implements RecordStore.
func (s *RedisRecords) Get(ctx context.Context, dedupKey string) (*models.ProcessedRecord, error) {
	data, err := s.rdb.HGet(ctx, recordPrefix+dedupKey, "data").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record HGET: %w", err)
	}

	var rec models.ProcessedRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", dedupKey, err)
	}
	return &rec, nil
}

// Save implements RecordStore.
func (s *RedisRecords) Save(ctx context.Context, rec models.ProcessedRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	n, err := saveUnlessCreated.Run(ctx, s.rdb,
		[]string{recordPrefix + rec.DedupKey},
		string(rec.Outcome), string(data), string(models.OutcomeTicketCreated), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("record save: %w", err)
	}
	return n == 1, nil
}
