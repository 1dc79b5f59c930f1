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

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/ticketrouter/internal/autoresponse"
	"github.com/bcem/ticketrouter/internal/dedup"
	"github.com/bcem/ticketrouter/internal/loopguard"
	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/ratelimit"
	"github.com/bcem/ticketrouter/internal/resolver"
	"github.com/bcem/ticketrouter/internal/ticketing"
	"github.com/bcem/ticketrouter/internal/tracking"
)

// --- fakes ---

type fakeDirectory struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDirectory) FindOrCreate(_ context.Context, email, first, last string) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Customer{ID: 77, Email: email, Firstname: first, Lastname: last}, nil
}

type fakeTickets struct {
	mu        sync.Mutex
	created   []models.Ticket
	errs      []error       // consumed one per Create call
	delay     time.Duration // ignores ctx, like a request already on the wire
	hang      bool          // blocks until ctx is done
	findCalls int
}

func (f *fakeTickets) Create(ctx context.Context, t models.Ticket, trackingID string) (*models.Ticket, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.hang {
		<-ctx.Done()
		return nil, &ticketing.TicketCreationFailed{TrackingID: trackingID, Err: ctx.Err()}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	t.ID = int64(1000 + len(f.created))
	t.Number = fmt.Sprintf("T%d", t.ID)
	f.created = append(f.created, t)
	return &t, nil
}

func (f *fakeTickets) FindByTrackingID(_ context.Context, trackingID string) (*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	for i := range f.created {
		if strings.Contains(f.created[i].Tags, trackingID) {
			t := f.created[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeTickets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeResponder struct {
	mu   sync.Mutex
	reqs []autoresponse.Request
}

func (f *fakeResponder) Respond(_ context.Context, req autoresponse.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeResponder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeForwarder struct {
	mu  sync.Mutex
	tos []string
}

func (f *fakeForwarder) Forward(_ context.Context, msg *models.InboundMessage, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tos = append(f.tos, to)
	return nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tos)
}

// --- harness ---

type harness struct {
	p         *Pipeline
	now       time.Time
	locker    *dedup.MemoryLocker
	records   *dedup.MemoryRecords
	directory *fakeDirectory
	tickets   *fakeTickets
	responder *fakeResponder
	forwarder *fakeForwarder
}

func exampleDomains() []models.DomainConfig {
	return []models.DomainConfig{
		{
			Pattern:      "example.com",
			Enabled:      true,
			AutoResponse: models.AutoResponse{Enabled: true},
			ForwardTo:    "owner@home.net",
			Rules: []models.RoutingRule{
				{
					Name:   "sales",
					Match:  models.RuleMatch{ToContains: []string{"sales"}},
					Action: models.RuleAction{Tags: []string{"sales"}},
				},
			},
		},
		{
			Pattern:      "audit.example.org",
			Enabled:      true,
			LogAutomated: true,
			AutoResponse: models.AutoResponse{Enabled: true},
		},
	}
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	h := &harness{
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		locker:    dedup.NewMemoryLocker(),
		records:   dedup.NewMemoryRecords(),
		directory: &fakeDirectory{},
		tickets:   &fakeTickets{},
		responder: &fakeResponder{},
		forwarder: &fakeForwarder{},
	}
	guard, err := loopguard.New(nil)
	require.NoError(t, err)

	clock := func() time.Time { return h.now }
	h.p = New(Config{UnconfiguredPolicy: policy}, Deps{
		Resolver:  resolver.New(exampleDomains()),
		Guard:     guard,
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore(), time.Hour, 10, ratelimit.WithClock(clock)),
		Tracker:   tracking.New("TKT", 10),
		Locker:    h.locker,
		Records:   h.records,
		Customers: h.directory,
		Tickets:   h.tickets,
		Forwarder: h.forwarder,
		Responder: h.responder,
	})
	h.p.now = clock
	return h
}

func salesMessage() *models.InboundMessage {
	return &models.InboundMessage{
		From:       models.EmailAddress{Address: "a@b.com"},
		To:         models.EmailAddress{Address: "sales@example.com"},
		Subject:    "quote request",
		TextBody:   "please quote 10 widgets",
		Headers:    models.Headers{},
		MessageID:  "<quote-1@b.com>",
		ReceivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// --- tests ---

func TestProcess_EndToEndSalesMessage(t *testing.T) {
	h := newHarness(t, PolicyDrop)

	res := h.p.Process(context.Background(), salesMessage())
	h.p.Wait()

	require.NoError(t, res.Err)
	assert.Equal(t, StateTicketCreated, res.State)
	assert.Equal(t, []State{
		StateReceived, StateDomainResolved, StateLoopChecked, StateRateChecked,
		StateIDAssigned, StateRuleMatched, StateCustomerResolved, StateTicketCreated,
	}, res.Path)
	assert.Equal(t, "example.com", res.Domain)
	assert.Equal(t, "sales", res.Rule)
	assert.Equal(t, int64(77), res.CustomerID)
	assert.Regexp(t, `^TKT-[0-9A-Z]{10}$`, res.TrackingID)

	again := tracking.New("TKT", 10).Generate(salesMessage())
	assert.Equal(t, string(again.TrackingID), res.TrackingID, "tracking id must be deterministic")

	require.Equal(t, 1, h.tickets.count())
	ticket := h.tickets.created[0]
	assert.Equal(t, "sales,"+res.TrackingID, ticket.Tags)
	assert.Equal(t, int64(77), ticket.CustomerID)
	assert.Equal(t, "Customer", ticket.Article.Sender)

	rec, err := h.records.Get(context.Background(), res.DedupKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeTicketCreated, rec.Outcome)
	assert.Equal(t, res.TicketID, rec.TicketID)

	assert.Equal(t, 1, h.responder.count())
	assert.Equal(t, []string{"owner@home.net"}, h.forwarder.tos)
}

func TestProcess_RedeliveryIsDuplicate(t *testing.T) {
	h := newHarness(t, PolicyDrop)

	first := h.p.Process(context.Background(), salesMessage())
	second := h.p.Process(context.Background(), salesMessage())
	h.p.Wait()

	assert.Equal(t, StateTicketCreated, second.State)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TrackingID, second.TrackingID)
	assert.Equal(t, first.TicketID, second.TicketID)
	assert.Equal(t, 1, h.tickets.count())
	assert.Equal(t, 1, h.responder.count(), "duplicates never trigger an auto-response")
	assert.Equal(t, 2, h.forwarder.count(), "every delivery is forwarded")
}

func TestProcess_ConcurrentDeliveriesCreateOneTicket(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	h.tickets.delay = 20 * time.Millisecond

	const n = 10
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.p.Process(context.Background(), salesMessage())
		}(i)
	}
	wg.Wait()
	h.p.Wait()

	assert.Equal(t, 1, h.tickets.count())
	created := 0
	for _, r := range results {
		switch {
		case r.State == StateTicketCreated && !r.Duplicate:
			created++
		case r.State == StateTicketCreated && r.Duplicate:
		case r.State == StateFailed:
			assert.Equal(t, FailureInFlight, r.Failure)
			assert.True(t, r.Retryable)
		default:
			t.Fatalf("unexpected state %s", r.State)
		}
	}
	assert.Equal(t, 1, created)
}

func TestProcess_SlowCreateOutlivesLeaseTTL(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	h.p.cfg.LeaseTTL = 50 * time.Millisecond
	h.tickets.delay = 150 * time.Millisecond

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 80 * time.Millisecond)
			results[i] = h.p.Process(context.Background(), salesMessage())
		}(i)
	}
	wg.Wait()
	h.p.Wait()

	assert.Equal(t, 1, h.tickets.count(), "the lease must stay held while the first create is running")
	assert.Equal(t, StateTicketCreated, results[0].State)
	assert.False(t, results[0].Duplicate)
	assert.Equal(t, StateFailed, results[1].State)
	assert.Equal(t, FailureInFlight, results[1].Failure)
	assert.True(t, results[1].Retryable)

	// The redelivery that follows sees the recorded ticket.
	again := h.p.Process(context.Background(), salesMessage())
	assert.Equal(t, StateTicketCreated, again.State)
	assert.True(t, again.Duplicate)
	assert.Equal(t, results[0].TicketID, again.TicketID)
	assert.Equal(t, 1, h.tickets.count())
}

// lostLocker grants leases that can never be refreshed.
type lostLocker struct{}

func (lostLocker) Acquire(context.Context, string, time.Duration) (dedup.Lease, error) {
	return lostLease{}, nil
}

type lostLease struct{}

func (lostLease) Refresh(context.Context, time.Duration) error { return dedup.ErrLeaseLost }
func (lostLease) Release(context.Context) error { return dedup.ErrLeaseLost }

func TestProcess_LostLeaseAbandonsCreateRetryably(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	h.p.cfg.LeaseTTL = 30 * time.Millisecond
	h.p.deps.Locker = lostLocker{}
	h.tickets.hang = true

	res := h.p.Process(context.Background(), salesMessage())
	h.p.Wait()

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, FailureTicketCreation, res.Failure)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, res.Retryable)
	assert.Equal(t, 0, h.tickets.count())

	rec, err := h.records.Get(context.Background(), res.DedupKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
}

func TestProcess_CancelledMidFlightIsRetryable(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	h.tickets.hang = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := h.p.Process(ctx, salesMessage())
	h.p.Wait()

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, res.Retryable, "shutdown says nothing about the message")

	// The FAILED record was written despite the cancelled context, so the
	// retry resumes with the same tracking id.
	rec, err := h.records.Get(context.Background(), res.DedupKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, res.TrackingID, rec.TrackingID)
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)

	h.tickets.hang = false
	retry := h.p.Process(context.Background(), salesMessage())
	assert.Equal(t, StateTicketCreated, retry.State)
	assert.Equal(t, res.TrackingID, retry.TrackingID)
	assert.Equal(t, 1, h.tickets.count())
}

func TestProcess_CancelledCustomerLookupIsRetryable(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	h.directory.err = &ticketing.CustomerDirectoryError{Email: "a@b.com", Err: context.Canceled}

	res := h.p.Process(context.Background(), salesMessage())
	h.p.Wait()

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, FailureCustomerDirectory, res.Failure)
	assert.True(t, res.Retryable)
}

func TestProcess_PrecedenceBulk(t *testing.T) {
	t.Run("suppressed without audit logging", func(t *testing.T) {
		h := newHarness(t, PolicyDrop)
		msg := salesMessage()
		msg.Headers = models.NewHeaders(map[string]string{"Precedence": "bulk"})

		res := h.p.Process(context.Background(), msg)
		h.p.Wait()

		assert.Equal(t, StateSuppressedLoop, res.State)
		assert.True(t, res.Machine)
		assert.Equal(t, 0, h.tickets.count())
		assert.Equal(t, 0, h.responder.count())
		assert.Equal(t, 1, h.forwarder.count(), "machine mail is still forwarded")
	})

	t.Run("audit ticket without auto-response", func(t *testing.T) {
		h := newHarness(t, PolicyDrop)
		msg := salesMessage()
		msg.To = models.EmailAddress{Address: "billing@audit.example.org"}
		msg.Headers = models.NewHeaders(map[string]string{"Precedence": "bulk"})

		res := h.p.Process(context.Background(), msg)
		h.p.Wait()

		assert.Equal(t, StateTicketCreated, res.State)
		assert.True(t, res.Machine)
		require.Equal(t, 1, h.tickets.count())
		assert.Equal(t, "System", h.tickets.created[0].Article.Sender)
		assert.True(t, h.tickets.created[0].Article.Internal)
		assert.Equal(t, 0, h.responder.count())
	})
}

func TestProcess_RateLimit(t *testing.T) {
	h := newHarness(t, PolicyDrop)

	send := func(i int) Result {
		msg := salesMessage()
		msg.MessageID = fmt.Sprintf("<m%d@b.com>", i)
		return h.p.Process(context.Background(), msg)
	}

	for i := 1; i <= 10; i++ {
		res := send(i)
		require.Equal(t, StateTicketCreated, res.State, "message %d", i)
	}

	eleventh := send(11)
	assert.Equal(t, StateSuppressedRateLimit, eleventh.State)
	assert.False(t, eleventh.Machine)
	assert.Equal(t, 10, h.tickets.count())

	h.now = h.now.Add(time.Hour + time.Second)
	res := send(12)
	assert.Equal(t, StateTicketCreated, res.State)
	h.p.Wait()
}

func TestProcess_RedeliveryOverRateLimitIsDuplicate(t *testing.T) {
	h := newHarness(t, PolicyDrop)

	send := func(i int) Result {
		msg := salesMessage()
		msg.MessageID = fmt.Sprintf("<m%d@b.com>", i)
		return h.p.Process(context.Background(), msg)
	}

	first := send(1)
	require.Equal(t, StateTicketCreated, first.State)

	// The first message's window entry expires, then the sender fills a
	// fresh window.
	h.now = h.now.Add(time.Hour + time.Second)
	for i := 2; i <= 11; i++ {
		require.Equal(t, StateTicketCreated, send(i).State, "message %d", i)
	}
	require.Equal(t, StateSuppressedRateLimit, send(12).State)

	again := send(1)
	h.p.Wait()

	assert.Equal(t, StateTicketCreated, again.State)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TicketID, again.TicketID)
	assert.Equal(t, first.TrackingID, again.TrackingID)
	assert.Equal(t, []State{
		StateReceived, StateDomainResolved, StateLoopChecked, StateTicketCreated,
	}, again.Path)
	assert.Equal(t, 11, h.tickets.count())
}

func TestProcess_UnconfiguredDomain(t *testing.T) {
	msg := salesMessage()
	msg.To = models.EmailAddress{Address: "info@unknown.net"}

	t.Run("drop", func(t *testing.T) {
		h := newHarness(t, PolicyDrop)
		res := h.p.Process(context.Background(), msg)
		h.p.Wait()
		assert.Equal(t, StateSuppressedUnconfigured, res.State)
		assert.Equal(t, 0, h.forwarder.count())
		assert.Equal(t, 0, h.directory.calls)
	})

	t.Run("forward", func(t *testing.T) {
		h := newHarness(t, PolicyForward)
		res := h.p.Process(context.Background(), msg)
		h.p.Wait()
		assert.Equal(t, StateSuppressedUnconfigured, res.State)
		assert.Equal(t, 1, h.forwarder.count())
		assert.Equal(t, 0, h.tickets.count())
	})
}

func TestProcess_MalformedMessage(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	msg := salesMessage()
	msg.To = models.EmailAddress{}

	res := h.p.Process(context.Background(), msg)
	h.p.Wait()

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, FailureMalformed, res.Failure)
	assert.ErrorIs(t, res.Err, ErrMalformedMessage)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, h.forwarder.count(), "malformed mail is forwarded raw")

	nilRes := h.p.Process(context.Background(), nil)
	assert.Equal(t, StateFailed, nilRes.State)
}

func TestProcess_TicketFailureThenRetryReusesTrackingID(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	h.tickets.errs = []error{&ticketing.TicketCreationFailed{
		TrackingID: "x",
		StatusCode: 503,
		Err:        &ticketing.APIError{StatusCode: 503},
	}}

	failed := h.p.Process(context.Background(), salesMessage())
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, FailureTicketCreation, failed.Failure)
	assert.True(t, failed.Retryable)
	assert.Equal(t, "sales", failed.Rule)
	assert.NotEmpty(t, failed.TrackingID)

	rec, _ := h.records.Get(context.Background(), failed.DedupKey)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts)

	retry := h.p.Process(context.Background(), salesMessage())
	h.p.Wait()
	assert.Equal(t, StateTicketCreated, retry.State)
	assert.Equal(t, failed.TrackingID, retry.TrackingID)
	assert.Equal(t, 1, h.tickets.count())
	assert.Equal(t, 1, h.tickets.findCalls, "retry checks for an existing ticket first")

	rec, _ = h.records.Get(context.Background(), failed.DedupKey)
	assert.Equal(t, models.OutcomeTicketCreated, rec.Outcome)
	assert.Equal(t, 2, rec.Attempts)
}

func TestProcess_RetryFindsTicketFromInterruptedAttempt(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	msg := salesMessage()
	id := tracking.New("TKT", 10).Generate(msg)

	// A previous worker created the ticket and crashed before recording it.
	_, err := h.tickets.Create(context.Background(), models.Ticket{Tags: string(id.TrackingID)}, string(id.TrackingID))
	require.NoError(t, err)
	_, err = h.records.Save(context.Background(), models.ProcessedRecord{
		DedupKey: id.DedupKey, TrackingID: string(id.TrackingID), Outcome: models.OutcomeFailed,
		Attempts: 1, LastError: pendingMarker, UpdatedAt: h.now,
	})
	require.NoError(t, err)

	res := h.p.Process(context.Background(), msg)
	h.p.Wait()

	assert.Equal(t, StateTicketCreated, res.State)
	assert.Equal(t, int64(1000), res.TicketID)
	assert.Equal(t, 1, h.tickets.count())
}

func TestProcess_CustomerClientErrorIsPermanent(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	h.directory.err = &ticketing.CustomerDirectoryError{
		Email: "a@b.com",
		Err:   &ticketing.APIError{StatusCode: 422},
	}

	res := h.p.Process(context.Background(), salesMessage())
	h.p.Wait()

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, FailureCustomerDirectory, res.Failure)
	assert.False(t, res.Retryable)
	assert.Equal(t, StateRuleMatched, res.Path[len(res.Path)-2])
	assert.Equal(t, 0, h.tickets.count())
}

func TestProcess_LeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t, PolicyDrop)
	id := tracking.New("TKT", 10).Generate(salesMessage())

	lease, err := h.locker.Acquire(context.Background(), id.DedupKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	res := h.p.Process(context.Background(), salesMessage())
	h.p.Wait()

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, FailureInFlight, res.Failure)
	assert.ErrorIs(t, res.Err, ErrInFlight)
	assert.True(t, res.Retryable)
	assert.Equal(t, 0, h.tickets.count())
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateTicketCreated.Terminal())
	assert.True(t, StateSuppressedLoop.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateIDAssigned.Terminal())
	assert.False(t, StateReceived.Terminal())
}
