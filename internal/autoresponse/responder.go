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

// Package autoresponse sends the acknowledgement a human sender receives once
// their message became a ticket. Bodies are rendered by SendGrid dynamic
// templates; only the subject line is rendered locally.
package autoresponse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/bcem/ticketrouter/internal/models"
)

// DefaultSubjectTemplate is used when a domain sets no subject template.
const DefaultSubjectTemplate = "Re: {{ subject }} [{{ tracking_id }}]"

// ErrNoRecipient is returned when the request has no sender to answer.
var ErrNoRecipient = errors.New("auto-response has no recipient")

// Request describes one acknowledgement.
type Request struct {
	Message    *models.InboundMessage
	Domain     *models.DomainConfig
	Rule       *models.RoutingRule
	TrackingID string
	Ticket     *models.Ticket
}

// MailSender is the subset of the SendGrid client used here.
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridResponder delivers acknowledgements through SendGrid.
type SendGridResponder struct {
	client   MailSender
	fromAddr string
	fromName string
}

// NewSendGridResponder creates a responder. fromAddr is used when the domain
// branding has no support address.
func NewSendGridResponder(client MailSender, fromAddr, fromName string) *SendGridResponder {
	return &SendGridResponder{client: client, fromAddr: fromAddr, fromName: fromName}
}

// Respond renders and sends the acknowledgement for req.
func (r *SendGridResponder) Respond(ctx context.Context, req Request) error {
	if req.Message == nil || req.Message.From.Address == "" {
		return ErrNoRecipient
	}

	vars := templateVars(req)
	subject, err := RenderSubject(subjectTemplate(req.Domain), vars)
	if err != nil {
		return err
	}

	m := r.build(req, subject, vars)
	resp, err := r.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("send auto-response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("SendGrid API error: status %d, body: %s", resp.StatusCode, resp.Body)
	}

	slog.Info("auto-response sent",
		"tracking_id", req.TrackingID,
		"to", req.Message.From.Address,
	)
	return nil
}

func (r *SendGridResponder) build(req Request, subject string, vars pongo2.Context) *mail.SGMailV3 {
	fromAddr, fromName := r.fromAddr, r.fromName
	var templateID string
	if req.Domain != nil {
		if req.Domain.Branding.SupportAddress != "" {
			fromAddr = req.Domain.Branding.SupportAddress
		}
		if req.Domain.Branding.CompanyName != "" {
			fromName = req.Domain.Branding.CompanyName
		}
		templateID = req.Domain.AutoResponse.TemplateID
	}
	if req.Rule != nil && req.Rule.Action.Template != "" {
		templateID = req.Rule.Action.Template
	}

	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(fromName, fromAddr))

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(req.Message.From.Name, req.Message.From.Address))
	p.Subject = subject
	for k, v := range vars {
		p.SetDynamicTemplateData(k, v)
	}
	m.AddPersonalizations(p)
	m.Subject = subject

	if templateID != "" {
		m.SetTemplateID(templateID)
	} else {
		m.AddContent(mail.NewContent("text/plain", plainBody(req)))
	}

	// Mark the reply as automatic so other responders stay quiet.
	m.SetHeader("Auto-Submitted", "auto-replied")
	m.SetHeader("X-Auto-Response-Suppress", "All")
	if req.Message.MessageID != "" {
		m.SetHeader("In-Reply-To", req.Message.MessageID)
		m.SetHeader("References", req.Message.MessageID)
	}
	return m
}

func templateVars(req Request) pongo2.Context {
	vars := pongo2.Context{
		"tracking_id": req.TrackingID,
		"subject":     strings.TrimSpace(req.Message.Subject),
		"from_name":   req.Message.From.Name,
		"from_email":  req.Message.From.Address,
	}
	if vars["subject"] == "" {
		vars["subject"] = "(no subject)"
	}
	if req.Domain != nil {
		b := req.Domain.Branding
		vars["company_name"] = b.CompanyName
		vars["support_address"] = b.SupportAddress
		vars["website"] = b.Website
		vars["signature"] = b.Signature
		vars["color"] = b.Color
		vars["business_hours"] = req.Domain.AutoResponse.BusinessHours
	}
	if req.Ticket != nil {
		vars["ticket_number"] = req.Ticket.Number
	}
	return vars
}

func subjectTemplate(d *models.DomainConfig) string {
	if d != nil && strings.TrimSpace(d.AutoResponse.SubjectTemplate) != "" {
		return d.AutoResponse.SubjectTemplate
	}
	return DefaultSubjectTemplate
}

func plainBody(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for contacting us. Your request has been received and assigned tracking number %s.\n", req.TrackingID)
	b.WriteString("Please keep this number in the subject line of any reply.\n")
	if req.Domain != nil && req.Domain.Branding.Signature != "" {
		b.WriteString("\n")
		b.WriteString(req.Domain.Branding.Signature)
		b.WriteString("\n")
	}
	return b.String()
}

var templates sync.Map // template source -> *pongo2.Template

// RenderSubject executes a pongo2 subject template. Compiled templates are
// cached by source. Subjects are headers, not HTML, so output is not escaped
// and line breaks are folded.
func RenderSubject(src string, vars pongo2.Context) (string, error) {
	tpl, ok := templates.Load(src)
	if !ok {
		compiled, err := pongo2.FromString("{% autoescape off %}" + src + "{% endautoescape %}")
		if err != nil {
			return "", fmt.Errorf("parse subject template: %w", err)
		}
		tpl, _ = templates.LoadOrStore(src, compiled)
	}

	out, err := tpl.(*pongo2.Template).Execute(vars)
	if err != nil {
		return "", fmt.Errorf("render subject template: %w", err)
	}
	out = strings.Join(strings.Fields(out), " ")
	return out, nil
}
