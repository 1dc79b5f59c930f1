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

import "errors"

// State is a pipeline stage. Transitions only move forward.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateDomainResolved   State = "DOMAIN_RESOLVED"
	StateLoopChecked      State = "LOOP_CHECKED"
	StateRateChecked      State = "RATE_CHECKED"
	StateIDAssigned       State = "ID_ASSIGNED"
	StateRuleMatched      State = "RULE_MATCHED"
	StateCustomerResolved State = "CUSTOMER_RESOLVED"
	StateTicketCreated    State = "TICKET_CREATED"

	StateSuppressedLoop         State = "SUPPRESSED_LOOP"
	StateSuppressedRateLimit    State = "SUPPRESSED_RATE_LIMIT"
	StateSuppressedUnconfigured State = "SUPPRESSED_UNCONFIGURED_DOMAIN"
	StateFailed                 State = "FAILED"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case StateTicketCreated, StateSuppressedLoop, StateSuppressedRateLimit,
		StateSuppressedUnconfigured, StateFailed:
		return true
	}
	return false
}

// Failure classifies a FAILED result.
type Failure string

const (
	FailureNone              Failure = ""
	FailureMalformed         Failure = "malformed"
	FailureCustomerDirectory Failure = "customer_directory"
	FailureTicketCreation    Failure = "ticket_creation"
	FailureStore             Failure = "store"
	FailureInFlight          Failure = "in_flight"
)

var (
	// ErrMalformedMessage is returned for messages missing required fields.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInFlight is returned when another worker holds the lease for the
	// message's dedup key.
	ErrInFlight = errors.New("message already in flight")
)

// Unconfigured-domain policies.
const (
	PolicyDrop    = "drop"
	PolicyForward = "forward"
)

// Result is the outcome of processing one message.
type Result struct {
	State State
	// Path lists every state entered, in order, starting at RECEIVED.
	Path []State

	TrackingID string
	DedupKey   string
	Domain     string
	Rule       string

	Machine       bool
	MachineReason string

	CustomerID   int64
	TicketID     int64
	TicketNumber string
	// Duplicate is set when the message was already turned into a ticket
	// by an earlier delivery.
	Duplicate bool

	Failure   Failure
	Retryable bool
	Err       error
}

func (r *Result) enter(s State) {
	r.State = s
	r.Path = append(r.Path, s)
}
