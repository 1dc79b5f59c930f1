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

// Package mailparse converts raw RFC 822 messages into InboundMessages.
package mailparse

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/bcem/ticketrouter/internal/models"
)

// maxPartBytes caps how much of each body part is read.
const maxPartBytes = 1 << 20

// ErrUnparseable is returned when the input is not a MIME message at all.
var ErrUnparseable = errors.New("unparseable message")

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Options carry transport metadata that is not in the message itself.
type Options struct {
	// EnvelopeTo is the SMTP recipient. Catch-all mail often has a To
	// header naming a different address, so the envelope wins when set.
	EnvelopeTo string
	ReceivedAt time.Time
}

// Parse reads a raw message. Missing fields are left empty; deciding whether
// the message is usable is the pipeline's job.
func Parse(r io.Reader, opts Options) (*models.InboundMessage, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	defer mr.Close()

	headers := make(models.Headers)
	fields := mr.Header.Fields()
	for fields.Next() {
		v, ferr := fields.Text()
		if ferr != nil {
			v = fields.Value()
		}
		headers.Add(fields.Key(), v)
	}

	msg := &models.InboundMessage{
		Headers:    headers,
		ReceivedAt: opts.ReceivedAt,
	}

	if list, aerr := mr.Header.AddressList("From"); aerr == nil && len(list) > 0 {
		msg.From = models.EmailAddress{Address: strings.TrimSpace(list[0].Address), Name: list[0].Name}
	}
	msg.To = recipient(&mr.Header, opts.EnvelopeTo)

	if subject, serr := mr.Header.Subject(); serr == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}
	if id, merr := mr.Header.MessageID(); merr == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}
	if msg.ReceivedAt.IsZero() {
		if date, derr := mr.Header.Date(); derr == nil && !date.IsZero() {
			msg.ReceivedAt = date.UTC()
		} else {
			msg.ReceivedAt = time.Now().UTC()
		}
	}

	msg.TextBody, msg.HTMLBody = readBodies(mr)
	return msg, nil
}

// recipient prefers the envelope, then delivery headers, then To.
func recipient(h *gomail.Header, envelopeTo string) models.EmailAddress {
	if envelopeTo = strings.TrimSpace(envelopeTo); envelopeTo != "" {
		return models.EmailAddress{Address: envelopeTo}
	}
	for _, key := range []string{"Delivered-To", "X-Original-To", "To"} {
		if list, err := h.AddressList(key); err == nil && len(list) > 0 {
			return models.EmailAddress{Address: strings.TrimSpace(list[0].Address), Name: list[0].Name}
		}
	}
	return models.EmailAddress{}
}

// readBodies returns the first text/plain and first text/html inline parts.
func readBodies(mr *gomail.Reader) (string, string) {
	var text, html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			slog.Warn("read MIME part failed", "error", err)
			break
		}
		if part == nil {
			continue
		}

		inline, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue // attachments are not carried into tickets
		}
		mediaType, _, cerr := inline.ContentType()
		if cerr != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		mediaType = strings.ToLower(mediaType)

		body, rerr := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if rerr != nil {
			slog.Warn("read MIME body failed", "media_type", mediaType, "error", rerr)
			continue
		}

		switch {
		case mediaType == "text/plain" && text == "":
			text = string(body)
		case mediaType == "text/html" && html == "":
			html = string(body)
		}
	}
	return text, html
}
