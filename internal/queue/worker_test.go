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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/pipeline"
)

type scheduled struct {
	trackingID string
	attempt    int
	lastErr    string
}

type mockScheduler struct {
	mu        sync.Mutex
	due       []Job
	scheduled []scheduled
	dead      []Job
	claimErr  error
}

func (m *mockScheduler) Schedule(ctx context.Context, _ *models.InboundMessage, trackingID string, attempt int, lastErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, scheduled{trackingID, attempt, lastErr})
	return nil
}

func (m *mockScheduler) Claim(context.Context, time.Time, int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	jobs := m.due
	m.due = nil
	return jobs, nil
}

func (m *mockScheduler) DeadLetter(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, job)
	return nil
}

type stubProcessor struct {
	result  pipeline.Result
	calls   int
	running func() // called while the job is in flight
}

func (s *stubProcessor) Process(context.Context, *models.InboundMessage) pipeline.Result {
	s.calls++
	if s.running != nil {
		s.running()
	}
	return s.result
}

func job(attempt int) Job {
	return Job{ID: "j1", Attempt: attempt, Message: &models.InboundMessage{Subject: "x"}}
}

func TestWorker_Poll(t *testing.T) {
	tests := []struct {
		name          string
		result        pipeline.Result
		wantScheduled []scheduled
		wantDead      int
	}{
		{
			name:   "success drops job",
			result: pipeline.Result{State: pipeline.StateTicketCreated, TrackingID: "TKT-1"},
		},
		{
			name:   "suppression drops job",
			result: pipeline.Result{State: pipeline.StateSuppressedRateLimit},
		},
		{
			name: "retryable failure reschedules",
			result: pipeline.Result{
				State: pipeline.StateFailed, TrackingID: "TKT-1", Retryable: true,
				Err: errors.New("HTTP 503"),
			},
			wantScheduled: []scheduled{{"TKT-1", 3, "HTTP 503"}},
		},
		{
			name: "permanent failure dead-letters",
			result: pipeline.Result{
				State: pipeline.StateFailed, TrackingID: "TKT-1",
				Err: errors.New("HTTP 422"),
			},
			wantDead: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockScheduler{due: []Job{job(2)}}
			proc := &stubProcessor{result: tt.result}
			w := NewWorker(q, proc, time.Second, 10)

			n := w.Poll(context.Background())
			assert.Equal(t, 1, n)
			assert.Equal(t, 1, proc.calls)
			assert.Equal(t, tt.wantScheduled, q.scheduled)
			assert.Len(t, q.dead, tt.wantDead)
			if tt.wantDead > 0 {
				assert.Equal(t, 3, q.dead[0].Attempt)
				assert.Equal(t, "HTTP 422", q.dead[0].LastError)
			}
		})
	}
}

func TestWorker_ClaimErrorAndEmptyJob(t *testing.T) {
	q := &mockScheduler{claimErr: errors.New("redis down")}
	proc := &stubProcessor{}
	w := NewWorker(q, proc, time.Second, 10)
	assert.Equal(t, 0, w.Poll(context.Background()))

	q = &mockScheduler{due: []Job{{ID: "empty"}}}
	w = NewWorker(q, proc, time.Second, 10)
	assert.Equal(t, 1, w.Poll(context.Background()))
	assert.Equal(t, 0, proc.calls)
}

func TestWorker_CancelledMidFlightIsRequeued(t *testing.T) {
	second := job(4)
	second.ID, second.TrackingID, second.LastError = "j2", "TKT-2", "HTTP 502"
	q := &mockScheduler{due: []Job{job(2), second}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &stubProcessor{
		result: pipeline.Result{
			State: pipeline.StateFailed, TrackingID: "TKT-1", Retryable: true,
			Err: context.Canceled,
		},
		running: cancel,
	}
	w := NewWorker(q, proc, time.Second, 10)

	assert.Equal(t, 2, w.Poll(ctx))
	assert.Equal(t, 1, proc.calls, "jobs claimed after shutdown are not run")
	assert.Equal(t, []scheduled{
		{"TKT-1", 2, "context canceled"},
		{"TKT-2", 4, "HTTP 502"},
	}, q.scheduled, "both jobs go back on the queue without using up an attempt")
	assert.Empty(t, q.dead)
}

func TestWorker_DeadLetterSurvivesCancel(t *testing.T) {
	q := &mockScheduler{due: []Job{job(2)}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &stubProcessor{
		result: pipeline.Result{
			State: pipeline.StateFailed, TrackingID: "TKT-1",
			Err: errors.New("HTTP 422"),
		},
		running: cancel,
	}
	w := NewWorker(q, proc, time.Second, 10)

	w.Poll(ctx)
	assert.Len(t, q.dead, 1)
	assert.Empty(t, q.scheduled)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q := &mockScheduler{}
	w := NewWorker(q, &stubProcessor{}, 10*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestBackoff(t *testing.T) {
	base, max := 30*time.Second, 10*time.Minute
	assert.Equal(t, 30*time.Second, Backoff(0, base, max))
	assert.Equal(t, 30*time.Second, Backoff(1, base, max))
	assert.Equal(t, 60*time.Second, Backoff(2, base, max))
	assert.Equal(t, 4*time.Minute, Backoff(4, base, max))
	assert.Equal(t, max, Backoff(10, base, max))
}
