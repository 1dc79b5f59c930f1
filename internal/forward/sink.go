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

// Package forward delivers a copy of inbound mail to a personal inbox or a
// webhook, independently of what the pipeline decides for the message.
package forward

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/bcem/ticketrouter/internal/models"
)

// Sink receives message copies. to overrides the sink's default recipient
// when non-empty; sinks without a recipient concept ignore it.
type Sink interface {
	Forward(ctx context.Context, msg *models.InboundMessage, to string) error
}

// Multi fans a copy out to every sink. All sinks are attempted; their errors
// are joined.
type Multi []Sink

// Forward implements Sink.
func (m Multi) Forward(ctx context.Context, msg *models.InboundMessage, to string) error {
	var errs []error
	for _, s := range m {
		if err := s.Forward(ctx, msg, to); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookSink posts the message as JSON.
type WebhookSink struct {
	http *resty.Client
	url  string
}

type webhookPayload struct {
	ForwardTo string                 `json:"forward_to,omitempty"`
	Message   *models.InboundMessage `json:"message"`
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if secret != "" {
		c.SetHeader("X-Webhook-Secret", secret)
	}
	return &WebhookSink{http: c, url: url}
}

// Forward implements Sink.
func (s *WebhookSink) Forward(ctx context.Context, msg *models.InboundMessage, to string) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{ForwardTo: to, Message: msg}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("forward webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("forward webhook returned HTTP %d", resp.StatusCode())
	}
	return nil
}

// MailSender is the subset of the SendGrid client used here.
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSink forwards the message by email.
type SendGridSink struct {
	client    MailSender
	fromAddr  string
	defaultTo string
}

// NewSendGridSink creates a sink sending from fromAddr to defaultTo unless a
// per-domain override is given.
func NewSendGridSink(client MailSender, fromAddr, defaultTo string) *SendGridSink {
	return &SendGridSink{client: client, fromAddr: fromAddr, defaultTo: defaultTo}
}

// Forward implements Sink.
func (s *SendGridSink) Forward(ctx context.Context, msg *models.InboundMessage, to string) error {
	if to == "" {
		to = s.defaultTo
	}
	if to == "" {
		return nil
	}

	fromName := msg.From.Name
	if fromName == "" {
		fromName = msg.From.Address
	}
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = "(no subject)"
	}

	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(fromName+" via router", s.fromAddr))
	if msg.From.Address != "" {
		m.SetReplyTo(mail.NewEmail(msg.From.Name, msg.From.Address))
	}
	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", to))
	m.AddPersonalizations(p)
	m.Subject = "Fwd: " + subject

	text := msg.TextBody
	if text == "" && msg.HTMLBody == "" {
		text = " "
	}
	if text != "" {
		m.AddContent(mail.NewContent("text/plain", forwardHeader(msg)+text))
	}
	if msg.HTMLBody != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTMLBody))
	}
	m.SetHeader("Auto-Submitted", "auto-forwarded")
	m.SetHeader("X-Original-To", msg.To.Address)

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("forward via SendGrid: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("SendGrid API error: status %d, body: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func forwardHeader(msg *models.InboundMessage) string {
	return fmt.Sprintf("---------- Forwarded message ----------\nFrom: %s\nTo: %s\nSubject: %s\n\n",
		msg.From.Address, msg.To.Address, msg.Subject)
}
