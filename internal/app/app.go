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

// Package app assembles the routing pipeline and its backing stores from
// configuration. Both the service and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sendgrid/sendgrid-go"

	"github.com/bcem/ticketrouter/internal/autoresponse"
	"github.com/bcem/ticketrouter/internal/config"
	"github.com/bcem/ticketrouter/internal/dedup"
	"github.com/bcem/ticketrouter/internal/forward"
	"github.com/bcem/ticketrouter/internal/loopguard"
	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/pipeline"
	"github.com/bcem/ticketrouter/internal/queue"
	"github.com/bcem/ticketrouter/internal/ratelimit"
	"github.com/bcem/ticketrouter/internal/resolver"
	"github.com/bcem/ticketrouter/internal/store"
	"github.com/bcem/ticketrouter/internal/ticketing"
	"github.com/bcem/ticketrouter/internal/tracking"
)

const userAgent = "ticketrouter/1.0"

// Purger deletes processed-message records older than cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// App holds the assembled pipeline and the connections it owns.
type App struct {
	Config   *config.Config
	Resolver *resolver.Resolver
	Pipeline *pipeline.Pipeline

	// Redis and Postgres are nil when no backend uses them.
	Redis    *redis.Client
	Postgres *pgxpool.Pool

	// Records is the Postgres record store when RECORD_BACKEND=postgres.
	Records *store.Postgres
	// Purger is nil when records expire on their own (Redis TTL).
	Purger Purger
	// Retry is nil when the state backend is memory.
	Retry *queue.Publisher
}

// Build connects to the configured backends and assembles the pipeline.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	domains, err := config.LoadDomains(cfg.Routing.DomainsPath)
	if err != nil {
		return nil, err
	}
	a.Resolver = resolver.New(domains)
	logDomains(domains)

	guard, err := loopguard.New(cfg.Routing.SenderBlocklist)
	if err != nil {
		return nil, fmt.Errorf("sender blocklist: %w", err)
	}

	// --- Connect to Redis ---
	if cfg.NeedsRedis() {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opt)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.Redis.Ping(pctx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to Redis: %w", err)
		}
		slog.Info("connected to Redis")
	}

	// --- Processed-message records ---
	var records dedup.RecordStore
	switch cfg.Store.RecordBackend {
	case config.BackendPostgres:
		a.Postgres, err = pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create Postgres pool: %w", err)
		}
		if err := a.Postgres.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		a.Records, err = store.NewPostgres(ctx, a.Postgres)
		if err != nil {
			a.Close()
			return nil, err
		}
		records, a.Purger = a.Records, a.Records
	case config.BackendRedis:
		records = dedup.NewRedisRecords(a.Redis, cfg.Store.RecordRetention)
	default:
		mem := dedup.NewMemoryRecords()
		records, a.Purger = mem, mem
	}

	// --- Leases, rate windows, retry queue ---
	var (
		locker     dedup.Locker
		limitStore ratelimit.Store
	)
	if cfg.Store.StateBackend == config.BackendRedis {
		locker = dedup.NewRedisLocker(a.Redis)
		limitStore = ratelimit.NewRedisStore(a.Redis)
		a.Retry = queue.NewPublisher(a.Redis, cfg.Retry.Queue, cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay)
	} else {
		locker = dedup.NewMemoryLocker()
		limitStore = ratelimit.NewMemoryStore()
	}

	// --- Ticketing ---
	tk := ticketing.NewClient(ticketing.Config{
		BaseURL:     cfg.Ticketing.BaseURL,
		Token:       cfg.Ticketing.Token,
		UserAgent:   userAgent,
		Timeout:     cfg.Ticketing.Timeout,
		MaxAttempts: cfg.Ticketing.MaxAttempts,
	})

	deps := pipeline.Deps{
		Resolver:  a.Resolver,
		Guard:     guard,
		Limiter:   ratelimit.New(limitStore, cfg.Routing.RateWindow, cfg.Routing.RateMax),
		Tracker:   tracking.New(cfg.Routing.TrackingPrefix, cfg.Routing.TrackingWidth),
		Locker:    locker,
		Records:   records,
		Customers: tk.Customers,
		Tickets:   tk.Tickets,
	}

	// --- Outbound mail ---
	var sinks forward.Multi
	if cfg.Forward.WebhookURL != "" {
		sinks = append(sinks, forward.NewWebhookSink(cfg.Forward.WebhookURL, cfg.Forward.WebhookSecret, cfg.Forward.WebhookTimeout))
	}
	if cfg.Mail.SendGridAPIKey != "" {
		sg := sendgrid.NewSendClient(cfg.Mail.SendGridAPIKey)
		sinks = append(sinks, forward.NewSendGridSink(sg, cfg.Mail.FromAddress, cfg.Forward.To))
		deps.Responder = autoresponse.NewSendGridResponder(sg, cfg.Mail.FromAddress, cfg.Mail.FromName)
	}
	if len(sinks) > 0 {
		deps.Forwarder = sinks
	}

	a.Pipeline = pipeline.New(pipeline.Config{
		UnconfiguredPolicy: cfg.Routing.UnconfiguredPolicy,
		LeaseTTL:           cfg.Routing.LeaseTTL,
	}, deps)

	slog.Info("pipeline assembled",
		"record_backend", cfg.Store.RecordBackend,
		"state_backend", cfg.Store.StateBackend,
		"forward_sinks", len(sinks),
		"auto_response", deps.Responder != nil,
		"retry_queue", a.Retry != nil,
	)
	return a, nil
}

// Ping checks every connected backend.
func (a *App) Ping(ctx context.Context) error {
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.Postgres != nil {
		if err := a.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// PurgeExpired removes records older than the configured retention.
func (a *App) PurgeExpired(ctx context.Context) (int64, error) {
	if a.Purger == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-a.Config.Store.RecordRetention)
	n, err := a.Purger.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processed records: %w", err)
	}
	return n, nil
}

// Close waits for background side effects and releases connections.
func (a *App) Close() {
	if a.Pipeline != nil {
		a.Pipeline.Wait()
	}
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("error closing connections", "error", err)
	}
}

func logDomains(domains []models.DomainConfig) {
	enabled := 0
	for _, d := range domains {
		if d.Enabled {
			enabled++
		}
	}
	slog.Info("domains loaded", "domains", len(domains), "enabled", enabled)
}
