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

package ticketing

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/bcem/ticketrouter/internal/models"
)

const (
	// MaxBodyBytes caps the article body sent upstream.
	MaxBodyBytes = 128 * 1024

	DefaultGroup    = "Users"
	DefaultPriority = "2 normal"
	InitialState    = "new"
	NoSubject       = "(no subject)"

	// AutomatedTag marks tickets logged for machine-originated mail.
	AutomatedTag = "automated"
)

var htmlPolicy = bluemonday.UGCPolicy()

// TicketInput is everything BuildTicket needs to describe one message.
type TicketInput struct {
	Message    *models.InboundMessage
	Customer   *models.Customer
	Domain     *models.DomainConfig
	Rule       *models.RoutingRule // nil when no rule matched
	TrackingID string
	Machine    bool
}

// BuildTicket assembles the creation payload. Priority and tags come from the
// matched rule, falling back to the domain defaults. The tracking id is
// always the last tag.
func BuildTicket(in TicketInput) models.Ticket {
	msg := in.Message

	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = NoSubject
	}

	body, contentType := articleBody(msg)

	sender := "Customer"
	if in.Machine {
		sender = "System"
	}

	group := DefaultGroup
	priority := DefaultPriority
	var tags []string
	if in.Domain != nil {
		if in.Domain.Group != "" {
			group = in.Domain.Group
		}
		if in.Domain.DefaultPriority != "" {
			priority = in.Domain.DefaultPriority
		}
		tags = append(tags, in.Domain.DefaultTags...)
	}
	if in.Rule != nil {
		if in.Rule.Action.Priority != "" {
			priority = in.Rule.Action.Priority
		}
		tags = append(tags, in.Rule.Action.Tags...)
	}
	if in.Machine {
		tags = append(tags, AutomatedTag)
	}
	tags = append(tags, in.TrackingID)

	var customerID int64
	if in.Customer != nil {
		customerID = in.Customer.ID
	}

	return models.Ticket{
		Title:      subject,
		Group:      group,
		CustomerID: customerID,
		Article: models.Article{
			Subject:     subject,
			Body:        body,
			Type:        "email",
			Sender:      sender,
			From:        formatAddress(msg.From),
			To:          msg.To.Address,
			ContentType: contentType,
			Internal:    in.Machine,
		},
		Priority: priority,
		State:    InitialState,
		Tags:     strings.Join(uniqueTags(tags), ","),
	}
}

// articleBody prefers the text body; HTML is sanitised before sending.
func articleBody(msg *models.InboundMessage) (string, string) {
	if strings.TrimSpace(msg.TextBody) != "" {
		return truncate(msg.TextBody, MaxBodyBytes), "text/plain"
	}
	if strings.TrimSpace(msg.HTMLBody) != "" {
		return truncate(htmlPolicy.Sanitize(msg.HTMLBody), MaxBodyBytes), "text/html"
	}
	return "", "text/plain"
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func formatAddress(a models.EmailAddress) string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// uniqueTags drops blanks, commas and duplicates, keeping first occurrence.
func uniqueTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ReplaceAll(t, ",", " "))
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}
