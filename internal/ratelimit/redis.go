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
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces rate limit windows in Redis.
const keyPrefix = "router:rl:"

// slidingWindow trims, checks and conditionally adds in one server-side step.
// Scores are unix milliseconds; members are action tokens.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max    = tonumber(ARGV[3])
local token  = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZSCORE', key, token) then
  return {1, redis.call('ZCARD', key)}
end

local count = redis.call('ZCARD', key)
if count >= max then
  return {0, count}
end

redis.call('ZADD', key, now, token)
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)

// RedisStore keeps windows in Redis sorted sets shared by all router processes.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed window store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key, token string, now time.Time, window time.Duration, max int) (bool, int, error) {
	if token == "" {
		token = uuid.NewString()
	}

	res, err := slidingWindow.Run(ctx, s.rdb,
		[]string{keyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), max, token,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}

	return res[0] == 1, int(res[1]), nil
}
