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

// Package loopguard classifies inbound mail as human- or machine-originated so
// that automated replies never answer other automated systems.
package loopguard

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/bcem/ticketrouter/internal/models"
)

// DefaultBlocklist holds sender local-part patterns treated as machine senders.
var DefaultBlocklist = []string{"noreply", "no-reply", "mailer-daemon", "postmaster"}

// Verdict is the classification of a single message.
type Verdict struct {
	Machine bool
	Reason  string
}

var fold = cases.Fold()

// Guard inspects headers and sender patterns.
type Guard struct {
	substrings []string
	patterns   []*regexp.Regexp
}

// New builds a Guard. Patterns wrapped in ^...$ are compiled as regular
// expressions; anything else is a case-insensitive substring of the sender's
// local-part. An empty list falls back to DefaultBlocklist.
func New(blocklist []string) (*Guard, error) {
	if len(blocklist) == 0 {
		blocklist = DefaultBlocklist
	}
	g := &Guard{}
	for _, p := range blocklist {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "^") && strings.HasSuffix(p, "$") {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compile blocklist pattern %q: %w", p, err)
			}
			g.patterns = append(g.patterns, re)
			continue
		}
		g.substrings = append(g.substrings, fold.String(p))
	}
	return g, nil
}

// bulkPrecedence are the Precedence values set by list and bulk mailers.
var bulkPrecedence = map[string]bool{
	"bulk": true,
	"junk": true,
	"list": true,
}

// Classify returns a machine verdict if any single signal fires:
//   - Auto-Submitted present with a value other than "no"
//   - X-Auto-Response-Suppress, X-Autoreply or X-Autorespond present
//   - Precedence of bulk, junk or list
//   - sender local-part on the blocklist
func (g *Guard) Classify(msg *models.InboundMessage) Verdict {
	h := msg.Headers

	if h.Has("Auto-Submitted") {
		v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted")))
		// Values may carry parameters, e.g. "auto-replied; owner-email=..."
		if i := strings.IndexByte(v, ';'); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
		if v != "no" {
			return Verdict{Machine: true, Reason: "auto-submitted:" + v}
		}
	}

	for _, name := range []string{"X-Auto-Response-Suppress", "X-Autoreply", "X-Autorespond"} {
		if h.Has(name) {
			return Verdict{Machine: true, Reason: strings.ToLower(name)}
		}
	}

	if p := strings.ToLower(strings.TrimSpace(h.Get("Precedence"))); bulkPrecedence[p] {
		return Verdict{Machine: true, Reason: "precedence:" + p}
	}

	local := fold.String(msg.From.LocalPart())
	for _, s := range g.substrings {
		if strings.Contains(local, s) {
			return Verdict{Machine: true, Reason: "sender:" + s}
		}
	}
	for _, re := range g.patterns {
		if re.MatchString(local) {
			return Verdict{Machine: true, Reason: "sender:" + re.String()}
		}
	}

	return Verdict{}
}
