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

// Package queue holds messages whose processing failed transiently and
// replays them later. Jobs wait in a Redis sorted set scored by their due
// time; jobs that exhaust their attempts move to a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/ticketrouter/internal/models"
)

const (
	DefaultQueueName   = "router:retry"
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 30 * time.Minute
)

// Job is one scheduled retry.
type Job struct {
	ID         string                 `json:"id"`
	Attempt    int                    `json:"attempt"`
	TrackingID string                 `json:"tracking_id,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	Message    *models.InboundMessage `json:"message"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// Publisher schedules and claims retry jobs in Redis.
type Publisher struct {
	rdb         *redis.Client
	queueName   string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewPublisher creates a retry queue. Zero values use the defaults.
func NewPublisher(rdb *redis.Client, queueName string, maxAttempts int, baseDelay time.Duration) *Publisher {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Publisher{
		rdb:         rdb,
		queueName:   queueName,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    DefaultMaxDelay,
	}
}

func (p *Publisher) deadLetterKey() string { return p.queueName + ":dead" }

// Schedule enqueues msg for another attempt. attempt is the number of
// attempts already made. Past the attempt budget the job is dead-lettered.
func (p *Publisher) Schedule(ctx context.Context, msg *models.InboundMessage, trackingID string, attempt int, lastErr string) error {
	job := Job{
		ID:         uuid.New().String(),
		Attempt:    attempt,
		TrackingID: trackingID,
		LastError:  lastErr,
		Message:    msg,
		EnqueuedAt: time.Now().UTC(),
	}
	if attempt >= p.maxAttempts {
		return p.DeadLetter(ctx, job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}

	due := time.Now().Add(Backoff(attempt, p.baseDelay, p.maxDelay))
	if err := p.rdb.ZAdd(ctx, p.queueName, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("redis ZADD: %w", err)
	}

	slog.Info("scheduled retry",
		"job_id", job.ID,
		"tracking_id", trackingID,
		"attempt", attempt,
		"due", due.UTC().Format(time.RFC3339),
		"queue", p.queueName,
	)
	return nil
}

// claimDue pops up to ARGV[2] members scored at or before ARGV[1].
var claimDue = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #items > 0 then
  redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`)

// Claim removes and returns jobs due at now. A job is handed to exactly one
// claimer.
func (p *Publisher) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	raw, err := claimDue.Run(ctx, p.rdb, []string{p.queueName}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim retry jobs: %w", err)
	}

	jobs := make([]Job, 0, len(raw))
	for _, item := range raw {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			slog.Error("dropping undecodable retry job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeadLetter parks a job for operator inspection.
func (p *Publisher) DeadLetter(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.deadLetterKey(), string(data)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	slog.Warn("retry job dead-lettered",
		"job_id", job.ID,
		"tracking_id", job.TrackingID,
		"attempt", job.Attempt,
		"last_error", job.LastError,
	)
	return nil
}

// Pending returns the number of scheduled jobs.
func (p *Publisher) Pending(ctx context.Context) (int64, error) {
	return p.rdb.ZCard(ctx, p.queueName).Result()
}

// DeadLetters returns the number of dead-lettered jobs.
func (p *Publisher) DeadLetters(ctx context.Context) (int64, error) {
	return p.rdb.LLen(ctx, p.deadLetterKey()).Result()
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

// Backoff returns base·2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
