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

package models

import "time"

// Customer is a record in the external ticketing system's user directory.
type Customer struct {
	ID        int64  `json:"id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
}

// Article is the first message body attached to a new ticket.
type Article struct {
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Type        string `json:"type"`
	Sender      string `json:"sender"`
	From        string `json:"from"`
	To          string `json:"to"`
	ContentType string `json:"content_type"`
	Internal    bool   `json:"internal"`
}

// Ticket is the creation payload and, once created, the upstream ticket.
type Ticket struct {
	ID         int64   `json:"id,omitempty"`
	Number     string  `json:"number,omitempty"`
	Title      string  `json:"title"`
	Group      string  `json:"group"`
	CustomerID int64   `json:"customer_id"`
	Article    Article `json:"article"`
	Priority   string  `json:"priority"`
	State      string  `json:"state"`
	Tags       string  `json:"tags,omitempty"`
}

// Outcome is the terminal state recorded against a dedup key.
type Outcome string

const (
	OutcomeTicketCreated Outcome = "TICKET_CREATED"
	OutcomeFailed        Outcome = "FAILED"
)

// ProcessedRecord maps a dedup key to what happened to the message.
type ProcessedRecord struct {
	DedupKey   string    `json:"dedup_key"`
	TrackingID string    `json:"tracking_id"`
	Outcome    Outcome   `json:"outcome"`
	TicketID   int64     `json:"ticket_id,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	Rule       string    `json:"rule,omitempty"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
