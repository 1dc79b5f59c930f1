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

// Package rules evaluates a domain's ordered routing rules against a message.
package rules

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/bcem/ticketrouter/internal/models"
)

var fold = cases.Fold()

// Match returns the first rule whose declared predicates all hold, or nil.
// A rule with no predicates matches every message. Rules are never modified.
func Match(msg *models.InboundMessage, rules []models.RoutingRule) *models.RoutingRule {
	to := fold.String(msg.To.Address)
	subject := fold.String(msg.Subject)

	for i := range rules {
		m := rules[i].Match
		if len(m.ToContains) > 0 && !containsAny(to, m.ToContains) {
			continue
		}
		if len(m.SubjectContains) > 0 && !containsAny(subject, m.SubjectContains) {
			continue
		}
		return &rules[i]
	}
	return nil
}

// containsAny reports whether haystack (already folded) contains any keyword.
// Blank keywords never match.
func containsAny(haystack string, keywords []string) bool {
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if strings.Contains(haystack, fold.String(k)) {
			return true
		}
	}
	return false
}
