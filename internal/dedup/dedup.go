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

// Package dedup provides the per-key serialisation point used to guarantee
// at most one concurrent ticket creation per dedup key, plus key-value
// storage of processed-message records.
//
// A lease is a Redis key set with SET NX and a TTL covering the upstream
// round trip. The holder refreshes it while working, so a live worker keeps
// its key and a crashed one blocks it only until the TTL expires.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLeaseTTL covers customer lookup plus ticket creation with retries
	// at the default ticketing timeout and attempt count.
	DefaultLeaseTTL = 3 * time.Minute

	// leasePrefix namespaces lease keys in Redis.
	leasePrefix = "router:lease:"
)

// ErrLeaseLost is returned by Release and Refresh when the lease expired and
// was taken over by another worker.
var ErrLeaseLost = errors.New("lease lost")

// Lease is a held lock on one dedup key.
type Lease interface {
	// Refresh pushes the expiry out to ttl from now.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire returns (nil, nil) when the key is held
// by someone else.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// RedisLocker implements Locker with SET NX PX and an owner token.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker creates a lease manager backed by Redis.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// Acquire tries to take the lease for key.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	token := uuid.NewString()

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := l.rdb.SetNX(ctx, leasePrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease SETNX: %w", err)
	}
	if !set {
		return nil, nil
	}
	return &redisLease{rdb: l.rdb, key: leasePrefix + key, token: token}, nil
}

// releaseIfOwner deletes the lease only if it still carries our token.
var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// refreshIfOwner extends the lease only if it still carries our token.
var refreshIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseIfOwner.Run(ctx, r.rdb, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshIfOwner.Run(ctx, r.rdb, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease refresh: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
