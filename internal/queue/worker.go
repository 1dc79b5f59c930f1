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

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/pipeline"
)

// queueTimeout bounds queue writes that must land even during shutdown.
const queueTimeout = 5 * time.Second

// Scheduler is the queue surface the worker needs.
type Scheduler interface {
	Schedule(ctx context.Context, msg *models.InboundMessage, trackingID string, attempt int, lastErr string) error
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	DeadLetter(ctx context.Context, job Job) error
}

// Processor runs a message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg *models.InboundMessage) pipeline.Result
}

// Worker periodically claims due jobs and re-runs them.
type Worker struct {
	queue    Scheduler
	proc     Processor
	interval time.Duration
	batch    int
}

// NewWorker creates a worker polling at interval and claiming up to batch
// jobs per poll.
func NewWorker(queue Scheduler, proc Processor, interval time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 20
	}
	return &Worker{queue: queue, proc: proc, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("retry worker starting", "interval", w.interval, "batch", w.batch)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retry worker stopping")
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll claims and handles one batch, returning how many jobs it handled.
func (w *Worker) Poll(ctx context.Context) int {
	jobs, err := w.queue.Claim(ctx, time.Now(), w.batch)
	if err != nil {
		slog.Error("failed to claim retry jobs", "error", err)
		return 0
	}
	for _, job := range jobs {
		w.handle(ctx, job)
	}
	return len(jobs)
}

// handle runs one claimed job. Claim already removed it from the queue, so
// every failure path writes it back to the queue or the dead-letter list.
func (w *Worker) handle(ctx context.Context, job Job) {
	if job.Message == nil {
		slog.Error("retry job has no message", "job_id", job.ID)
		return
	}
	if ctx.Err() != nil {
		// Claimed during shutdown and never run.
		w.reschedule(ctx, job, job.Attempt, job.TrackingID, job.LastError)
		return
	}

	res := w.proc.Process(ctx, job.Message)
	if res.State != pipeline.StateFailed {
		slog.Info("retry job finished",
			"job_id", job.ID,
			"tracking_id", res.TrackingID,
			"state", res.State,
			"attempt", job.Attempt+1,
		)
		return
	}

	lastErr := ""
	if res.Err != nil {
		lastErr = res.Err.Error()
	}
	if res.Retryable {
		attempt := job.Attempt + 1
		if ctx.Err() != nil {
			attempt = job.Attempt // shutdown does not use up an attempt
		}
		w.reschedule(ctx, job, attempt, res.TrackingID, lastErr)
		return
	}

	slog.Warn("retry job failed permanently",
		"job_id", job.ID,
		"tracking_id", res.TrackingID,
		"failure", res.Failure,
		"error", lastErr,
	)
	job.Attempt++
	job.LastError = lastErr
	job.TrackingID = res.TrackingID

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueTimeout)
	defer cancel()
	if err := w.queue.DeadLetter(qctx, job); err != nil {
		slog.Error("failed to dead-letter job", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) reschedule(ctx context.Context, job Job, attempt int, trackingID, lastErr string) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueTimeout)
	defer cancel()
	if err := w.queue.Schedule(qctx, job.Message, trackingID, attempt, lastErr); err != nil {
		slog.Error("failed to reschedule retry job",
			"job_id", job.ID,
			"tracking_id", trackingID,
			"error", err,
		)
	}
}
