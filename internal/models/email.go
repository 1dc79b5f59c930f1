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

// Package models defines the data structures shared across the ticket router.
package models

import (
	"encoding/json"
	"fmt"
	"net/textproto"
	"strings"
	"time"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Domain returns the lower-cased part after the last "@", or "" when absent.
func (a EmailAddress) Domain() string {
	i := strings.LastIndex(a.Address, "@")
	if i < 0 || i == len(a.Address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(a.Address[i+1:]))
}

// LocalPart returns the part before the last "@".
func (a EmailAddress) LocalPart() string {
	i := strings.LastIndex(a.Address, "@")
	if i < 0 {
		return strings.TrimSpace(a.Address)
	}
	return strings.TrimSpace(a.Address[:i])
}

// Normalized returns the address trimmed and lower-cased.
func (a EmailAddress) Normalized() string {
	return strings.ToLower(strings.TrimSpace(a.Address))
}

// Headers is a case-insensitive multi-valued header map. Keys are stored in
// canonical MIME form.
type Headers map[string][]string

// NewHeaders builds a Headers map from single-valued pairs.
func NewHeaders(pairs map[string]string) Headers {
	h := make(Headers, len(pairs))
	for k, v := range pairs {
		h.Add(k, v)
	}
	return h
}

// UnmarshalJSON accepts header values as a string or a list of strings and
// canonicalises every name, whatever casing the sender used.
func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*h = nil
		return nil
	}

	out := make(Headers, len(raw))
	for name, value := range raw {
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			out.Add(name, single)
			continue
		}
		var multi []string
		if err := json.Unmarshal(value, &multi); err != nil {
			return fmt.Errorf("header %q: want string or list of strings", name)
		}
		for _, v := range multi {
			out.Add(name, v)
		}
	}
	*h = out
	return nil
}

// Add appends a value for the given header name.
func (h Headers) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
	h[key] = append(h[key], value)
}

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	v := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns all values for name.
func (h Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	return h[textproto.CanonicalMIMEHeaderKey(name)]
}

// Has reports whether the header is present at all, even with an empty value.
func (h Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// InboundMessage is one physical delivery of an email handed over by a mail
// transport. It is treated as immutable once constructed.
type InboundMessage struct {
	From       EmailAddress `json:"from"`
	To         EmailAddress `json:"to"`
	Subject    string       `json:"subject"`
	TextBody   string       `json:"text_body,omitempty"`
	HTMLBody   string       `json:"html_body,omitempty"`
	Headers    Headers      `json:"headers,omitempty"`
	MessageID  string       `json:"message_id,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}
