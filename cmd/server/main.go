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

// Ticket Router: Service
//
// Entry point for the catch-all mail routing service. It:
//  1. Loads service settings and the domain routing document
//  2. Connects to Redis and PostgreSQL as the configured backends require
//  3. Serves the inbound mail endpoints used by the mail transport
//  4. Runs the retry worker for transiently failed messages
//  5. Hot-reloads the domain document and purges expired records on a schedule
//  6. Serves /health and /metrics
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/ticketrouter/internal/app"
	"github.com/bcem/ticketrouter/internal/config"
	"github.com/bcem/ticketrouter/internal/queue"
	"github.com/bcem/ticketrouter/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting ticket router",
		"port", cfg.Server.Port,
		"inbound_port", cfg.Server.InboundPort,
		"domains_path", cfg.Routing.DomainsPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("ticket router stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ticket router stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	// --- Inbound endpoints ---
	var enqueuer webhook.Enqueuer
	if a.Retry != nil {
		enqueuer = a.Retry
	}
	handler := webhook.NewHandler(a.Pipeline, enqueuer, cfg.Server.InboundSecret)
	inbound := http.NewServeMux()
	handler.Routes(inbound)

	ready, stopped, err := webhook.Serve(gctx, cfg.Server.InboundPort, inbound, cfg.Server.ShutdownGrace)
	if err != nil {
		return fmt.Errorf("start inbound server: %w", err)
	}
	<-ready
	g.Go(func() error {
		<-stopped
		return nil
	})

	// --- Retry worker ---
	if a.Retry != nil {
		worker := queue.NewWorker(a.Retry, a.Pipeline, cfg.Retry.PollInterval, cfg.Retry.Batch)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	// --- Domain hot reload ---
	if !cfg.Routing.NoWatch {
		watcher := config.NewWatcher(cfg.Routing.DomainsPath, a.Resolver.Replace)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	// --- Record retention ---
	if a.Purger != nil {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Store.PurgeSchedule, func() { purge(gctx, a) }); err != nil {
			return fmt.Errorf("invalid PURGE_SCHEDULE %q: %w", cfg.Store.PurgeSchedule, err)
		}
		c.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	// --- Health and metrics ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ping(pctx); err != nil {
			slog.Warn("health check failed", "error", err)
			http.Error(w, err.Error()+" unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("health server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func purge(ctx context.Context, a *app.App) {
	n, err := a.PurgeExpired(ctx)
	if err != nil {
		slog.Error("record purge failed", "error", err)
		return
	}
	slog.Info("purged expired records", "deleted", n, "retention", a.Config.Store.RecordRetention)
}
