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

// Package pipeline turns one inbound message into a terminal outcome: a
// ticket, a suppression, or a failure that can be retried without creating a
// second ticket.
//
// Stages run in a fixed order and each may short-circuit:
//
//	RECEIVED → DOMAIN_RESOLVED → LOOP_CHECKED → RATE_CHECKED → ID_ASSIGNED
//	  → RULE_MATCHED → CUSTOMER_RESOLVED → TICKET_CREATED
//
// Ticket creation for a dedup key happens under a short-lived lease, and the
// processed-message record is consulted inside that lease, so concurrent or
// repeated deliveries of one message produce at most one ticket.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bcem/ticketrouter/internal/autoresponse"
	"github.com/bcem/ticketrouter/internal/dedup"
	"github.com/bcem/ticketrouter/internal/forward"
	"github.com/bcem/ticketrouter/internal/loopguard"
	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/ratelimit"
	"github.com/bcem/ticketrouter/internal/resolver"
	"github.com/bcem/ticketrouter/internal/rules"
	"github.com/bcem/ticketrouter/internal/ticketing"
	"github.com/bcem/ticketrouter/internal/tracking"
)

const (
	// sideEffectTimeout bounds asynchronous forwarding and auto-responses.
	sideEffectTimeout = 30 * time.Second

	// storeTimeout bounds record writes that must survive cancellation.
	storeTimeout = 5 * time.Second

	pendingMarker = "ticket creation in progress"
)

var (
	errAlreadyCreated = errors.New("ticket already recorded for dedup key")
	errStore          = errors.New("record store")
)

// CustomerDirectory finds or creates customers by email.
type CustomerDirectory interface {
	FindOrCreate(ctx context.Context, email, firstname, lastname string) (*models.Customer, error)
}

// TicketCreator submits tickets and finds them by tracking id.
type TicketCreator interface {
	Create(ctx context.Context, ticket models.Ticket, trackingID string) (*models.Ticket, error)
	FindByTrackingID(ctx context.Context, trackingID string) (*models.Ticket, error)
}

// Responder sends auto-responses.
type Responder interface {
	Respond(ctx context.Context, req autoresponse.Request) error
}

// Deps are the collaborators of a Pipeline. Forwarder and Responder are
// optional.
type Deps struct {
	Resolver  *resolver.Resolver
	Guard     *loopguard.Guard
	Limiter   *ratelimit.Limiter
	Tracker   *tracking.Generator
	Locker    dedup.Locker
	Records   dedup.RecordStore
	Customers CustomerDirectory
	Tickets   TicketCreator
	Forwarder forward.Sink
	Responder Responder
}

// Config holds pipeline policy.
type Config struct {
	// UnconfiguredPolicy is PolicyDrop or PolicyForward.
	UnconfiguredPolicy string
	LeaseTTL           time.Duration
}

// Pipeline processes inbound messages. It is safe for concurrent use.
type Pipeline struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	wg sync.WaitGroup // async forwarding and auto-responses
}

// New creates a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.UnconfiguredPolicy == "" {
		cfg.UnconfiguredPolicy = PolicyDrop
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = dedup.DefaultLeaseTTL
	}
	return &Pipeline{cfg: cfg, deps: deps, now: time.Now}
}

// Wait blocks until background forwarding and auto-responses finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Process runs msg through every stage and returns its outcome. It never
// panics on bad input and never returns a non-terminal state.
func (p *Pipeline) Process(ctx context.Context, msg *models.InboundMessage) Result {
	start := p.now()
	res := Result{}
	res.enter(StateReceived)

	p.run(ctx, msg, &res)

	processingSeconds.Observe(time.Since(start).Seconds())
	messagesTotal.WithLabelValues(string(res.State)).Inc()
	p.logOutcome(&res)
	return res
}

func (p *Pipeline) run(ctx context.Context, msg *models.InboundMessage, res *Result) {
	if err := validate(msg); err != nil {
		if msg != nil {
			p.forward(ctx, msg, "")
		}
		p.fail(res, FailureMalformed, err)
		return
	}

	// DOMAIN_RESOLVED
	domain, err := p.deps.Resolver.Resolve(msg.To.Address)
	if err != nil {
		if errors.Is(err, resolver.ErrUnconfiguredDomain) {
			if p.cfg.UnconfiguredPolicy == PolicyForward {
				p.forward(ctx, msg, "")
			}
			res.Domain = msg.To.Domain()
			res.enter(StateSuppressedUnconfigured)
			return
		}
		p.fail(res, FailureStore, err)
		return
	}
	res.Domain = domain.Pattern
	res.enter(StateDomainResolved)
	p.forward(ctx, msg, domain.ForwardTo)

	identity := p.deps.Tracker.Generate(msg)

	// LOOP_CHECKED
	verdict := p.deps.Guard.Classify(msg)
	res.Machine, res.MachineReason = verdict.Machine, verdict.Reason
	if verdict.Machine && !domain.LogAutomated {
		res.TrackingID = string(identity.TrackingID)
		res.enter(StateSuppressedLoop)
		return
	}
	res.enter(StateLoopChecked)

	// A redelivery of a ticketed message is a duplicate even when its
	// sender is over the limit now. The lease below re-checks.
	prev, err := p.deps.Records.Get(ctx, identity.DedupKey)
	if err != nil {
		res.TrackingID = string(identity.TrackingID)
		p.failRetryable(res, FailureStore, err)
		return
	}
	if prev != nil && prev.Outcome == models.OutcomeTicketCreated {
		res.TrackingID = string(identity.TrackingID)
		res.DedupKey = identity.DedupKey
		p.duplicate(res, prev)
		return
	}

	// RATE_CHECKED
	decision, err := p.deps.Limiter.Allow(ctx, msg.From.Address, identity.DedupKey)
	if err != nil {
		res.TrackingID = string(identity.TrackingID)
		p.failRetryable(res, FailureStore, err)
		return
	}
	if !decision.Allowed {
		res.TrackingID = string(identity.TrackingID)
		res.enter(StateSuppressedRateLimit)
		return
	}
	res.enter(StateRateChecked)

	// ID_ASSIGNED
	res.TrackingID = string(identity.TrackingID)
	res.DedupKey = identity.DedupKey
	res.enter(StateIDAssigned)

	lease, err := p.deps.Locker.Acquire(ctx, identity.DedupKey, p.cfg.LeaseTTL)
	if err != nil {
		p.failRetryable(res, FailureStore, err)
		return
	}
	if lease == nil {
		p.failRetryable(res, FailureInFlight, ErrInFlight)
		return
	}
	defer p.release(ctx, lease, res)
	ctx, stop := p.hold(ctx, lease, res)
	defer stop()

	prev, err = p.deps.Records.Get(ctx, identity.DedupKey)
	if err != nil {
		p.failRetryable(res, FailureStore, err)
		return
	}
	if prev != nil && prev.Outcome == models.OutcomeTicketCreated {
		p.duplicate(res, prev)
		return
	}
	attempts := 1
	if prev != nil {
		attempts = prev.Attempts + 1
	}

	// RULE_MATCHED
	rule := rules.Match(msg, domain.Rules)
	if rule != nil {
		res.Rule = rule.Name
	}
	res.enter(StateRuleMatched)

	// CUSTOMER_RESOLVED
	first, last := ticketing.SplitName(msg.From)
	customer, err := p.deps.Customers.FindOrCreate(ctx, msg.From.Normalized(), first, last)
	if err != nil {
		p.failAndRecord(ctx, res, FailureCustomerDirectory, err, attempts)
		return
	}
	res.CustomerID = customer.ID
	res.enter(StateCustomerResolved)

	// TICKET_CREATED
	ticket, err := p.createTicket(ctx, res, ticketing.TicketInput{
		Message:    msg,
		Customer:   customer,
		Domain:     domain,
		Rule:       rule,
		TrackingID: res.TrackingID,
		Machine:    res.Machine,
	}, prev != nil, attempts)
	if errors.Is(err, errAlreadyCreated) {
		// Another worker finished after our lease expired.
		if rec, gerr := p.deps.Records.Get(ctx, res.DedupKey); gerr == nil && rec != nil {
			res.TicketID = rec.TicketID
		}
		res.Duplicate = true
		res.enter(StateTicketCreated)
		duplicatesTotal.Inc()
		return
	}
	if errors.Is(err, errStore) {
		p.failRetryable(res, FailureStore, err)
		return
	}
	if err != nil {
		p.failAndRecord(ctx, res, FailureTicketCreation, err, attempts)
		return
	}
	res.TicketID = ticket.ID
	res.TicketNumber = ticket.Number
	res.enter(StateTicketCreated)

	p.record(ctx, models.ProcessedRecord{
		DedupKey:   res.DedupKey,
		TrackingID: res.TrackingID,
		Outcome:    models.OutcomeTicketCreated,
		TicketID:   ticket.ID,
		Domain:     res.Domain,
		Rule:       res.Rule,
		Attempts:   attempts,
	})

	if domain.AutoResponse.Enabled && !res.Machine {
		p.respond(ctx, autoresponse.Request{
			Message:    msg,
			Domain:     domain,
			Rule:       rule,
			TrackingID: res.TrackingID,
			Ticket:     ticket,
		})
	}
}

// createTicket marks the key pending, then reuses a ticket left by an
// earlier attempt before submitting a new one.
func (p *Pipeline) createTicket(ctx context.Context, res *Result, in ticketing.TicketInput, retried bool, attempts int) (*models.Ticket, error) {
	if retried {
		existing, err := p.deps.Tickets.FindByTrackingID(ctx, res.TrackingID)
		if err != nil {
			return nil, &ticketing.TicketCreationFailed{TrackingID: res.TrackingID, Err: err}
		}
		if existing != nil {
			slog.Info("reusing ticket from earlier attempt",
				"tracking_id", res.TrackingID,
				"ticket_id", existing.ID,
			)
			return existing, nil
		}
	}

	saved, err := p.deps.Records.Save(ctx, models.ProcessedRecord{
		DedupKey:   res.DedupKey,
		TrackingID: res.TrackingID,
		Outcome:    models.OutcomeFailed,
		Domain:     res.Domain,
		Rule:       res.Rule,
		Attempts:   attempts,
		LastError:  pendingMarker,
		UpdatedAt:  p.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: mark pending: %w", errStore, err)
	}
	if !saved {
		return nil, errAlreadyCreated
	}

	return p.deps.Tickets.Create(ctx, ticketing.BuildTicket(in), res.TrackingID)
}

// duplicate ends res with the ticket recorded for its dedup key.
func (p *Pipeline) duplicate(res *Result, rec *models.ProcessedRecord) {
	res.Duplicate = true
	res.TicketID = rec.TicketID
	res.Rule = rec.Rule
	res.enter(StateTicketCreated)
	duplicatesTotal.Inc()
}

func (p *Pipeline) fail(res *Result, kind Failure, err error) {
	res.Failure = kind
	res.Err = err
	res.enter(StateFailed)
	failuresTotal.WithLabelValues(string(kind)).Inc()
}

func (p *Pipeline) failRetryable(res *Result, kind Failure, err error) {
	res.Retryable = true
	p.fail(res, kind, err)
}

// failAndRecord fails the result and persists a FAILED record so that a
// retry resumes with the same tracking id. A failure caused by cancellation
// or a lost lease says nothing about the message and stays retryable.
func (p *Pipeline) failAndRecord(ctx context.Context, res *Result, kind Failure, err error, attempts int) {
	res.Retryable = ticketing.IsRetryable(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
	p.fail(res, kind, err)
	p.record(ctx, models.ProcessedRecord{
		DedupKey:   res.DedupKey,
		TrackingID: res.TrackingID,
		Outcome:    models.OutcomeFailed,
		Domain:     res.Domain,
		Rule:       res.Rule,
		Attempts:   attempts,
		LastError:  err.Error(),
	})
}

// record writes rec even if ctx was cancelled mid-flight.
func (p *Pipeline) record(ctx context.Context, rec models.ProcessedRecord) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = p.now().UTC()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	saved, err := p.deps.Records.Save(wctx, rec)
	if err != nil {
		slog.Error("failed to write processed record",
			"tracking_id", rec.TrackingID,
			"dedup_key", rec.DedupKey,
			"outcome", rec.Outcome,
			"error", err,
		)
		failuresTotal.WithLabelValues(string(FailureStore)).Inc()
		return
	}
	if !saved {
		slog.Warn("processed record already final, not overwritten",
			"tracking_id", rec.TrackingID,
			"dedup_key", rec.DedupKey,
		)
	}
}

// hold bounds the work done under lease to one TTL and refreshes the lease
// until stop is called, so a call that overruns its deadline still finishes
// before anyone else can take the key. Losing the lease cancels the work.
func (p *Pipeline) hold(ctx context.Context, lease dedup.Lease, res *Result) (context.Context, func()) {
	ttl := p.cfg.LeaseTTL
	wctx, cancel := context.WithTimeout(ctx, ttl)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(max(ttl/3, time.Millisecond))
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
			}
			rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
			err := lease.Refresh(rctx, ttl)
			rcancel()
			if err != nil {
				slog.Error("lease refresh failed, abandoning work",
					"tracking_id", res.TrackingID,
					"dedup_key", res.DedupKey,
					"error", err,
				)
				cancel()
				return
			}
		}
	}()

	return wctx, func() {
		close(done)
		wg.Wait()
		cancel()
	}
}

func (p *Pipeline) release(ctx context.Context, lease dedup.Lease, res *Result) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := lease.Release(rctx); err != nil {
		slog.Warn("lease release failed",
			"tracking_id", res.TrackingID,
			"dedup_key", res.DedupKey,
			"error", err,
		)
	}
}

// forward sends a copy in the background. Failures are logged and counted.
func (p *Pipeline) forward(ctx context.Context, msg *models.InboundMessage, to string) {
	if p.deps.Forwarder == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()

		if err := p.deps.Forwarder.Forward(fctx, msg, to); err != nil {
			sideEffectsTotal.WithLabelValues("forward", "error").Inc()
			slog.Error("forwarding failed",
				"message_id", msg.MessageID,
				"to", msg.To.Address,
				"error", err,
			)
			return
		}
		sideEffectsTotal.WithLabelValues("forward", "ok").Inc()
	}()
}

func (p *Pipeline) respond(ctx context.Context, req autoresponse.Request) {
	if p.deps.Responder == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()

		if err := p.deps.Responder.Respond(rctx, req); err != nil {
			sideEffectsTotal.WithLabelValues("auto_response", "error").Inc()
			slog.Warn("auto-response failed",
				"tracking_id", req.TrackingID,
				"error", err,
			)
			return
		}
		sideEffectsTotal.WithLabelValues("auto_response", "ok").Inc()
	}()
}

func (p *Pipeline) logOutcome(res *Result) {
	attrs := []any{
		"state", res.State,
		"tracking_id", res.TrackingID,
		"domain", res.Domain,
	}
	if res.Rule != "" {
		attrs = append(attrs, "rule", res.Rule)
	}
	if res.TicketID != 0 {
		attrs = append(attrs, "ticket_id", res.TicketID)
	}
	if res.Machine {
		attrs = append(attrs, "machine_reason", res.MachineReason)
	}

	if res.State == StateFailed {
		attrs = append(attrs, "failure", res.Failure, "retryable", res.Retryable, "error", res.Err)
		slog.Error("message failed", attrs...)
		return
	}
	if res.Duplicate {
		attrs = append(attrs, "duplicate", true)
	}
	slog.Info("message processed", attrs...)
}

func validate(msg *models.InboundMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if msg.To.Domain() == "" {
		return fmt.Errorf("%w: missing or invalid recipient %q", ErrMalformedMessage, msg.To.Address)
	}
	if !strings.Contains(msg.From.Address, "@") {
		return fmt.Errorf("%w: missing or invalid sender %q", ErrMalformedMessage, msg.From.Address)
	}
	return nil
}
