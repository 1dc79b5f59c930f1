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

// Package tracking derives stable tracking ids and dedup keys for inbound
// messages. The same transport message always maps to the same id, which is
// what makes reprocessing after a failure idempotent.
package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/bcem/ticketrouter/internal/models"
)

const (
	// DefaultPrefix is prepended to every tracking id.
	DefaultPrefix = "TKT"

	// DefaultWidth is the number of base36 digest characters kept.
	DefaultWidth = 10
)

// ID is a human-readable tracking number, e.g. "TKT-3F9K2QZ81A".
type ID string

func (id ID) String() string { return string(id) }

// Identity is the pair assigned to a message at ID_ASSIGNED.
type Identity struct {
	TrackingID ID
	// DedupKey is "mid:<hex>" when a Message-ID is present and
	// "hash:<hex>" for the content fallback.
	DedupKey string
}

// Generator computes Identities. The zero value is not usable; use New.
type Generator struct {
	prefix string
	width  int
}

// New creates a generator. Empty prefix or non-positive width use defaults.
func New(prefix string, width int) *Generator {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if width <= 0 || width > 50 {
		width = DefaultWidth
	}
	return &Generator{prefix: prefix, width: width}
}

// Generate returns the identity of msg.
//
// With a Message-ID the digest covers (message-id, from, to). Without one it
// covers (from, to, subject, receivedAt truncated to the minute): identical
// resends inside one minute collapse to one id, resends across a minute
// boundary are new messages.
func (g *Generator) Generate(msg *models.InboundMessage) Identity {
	var parts []string
	kind := "hash"
	if mid := NormalizeMessageID(msg.MessageID); mid != "" {
		kind = "mid"
		parts = []string{mid, msg.From.Normalized(), msg.To.Normalized()}
	} else {
		parts = []string{
			msg.From.Normalized(),
			msg.To.Normalized(),
			strings.TrimSpace(msg.Subject),
			msg.ReceivedAt.UTC().Truncate(time.Minute).Format(time.RFC3339),
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))

	return Identity{
		TrackingID: ID(g.prefix + "-" + g.encode(sum[:])),
		DedupKey:   kind + ":" + hex.EncodeToString(sum[:]),
	}
}

func (g *Generator) encode(digest []byte) string {
	s := strings.ToUpper(new(big.Int).SetBytes(digest).Text(36))
	if len(s) < g.width {
		s = strings.Repeat("0", g.width-len(s)) + s
	}
	// Low-order digits are uniformly distributed; the leading one is not.
	return s[len(s)-g.width:]
}

// NormalizeMessageID strips surrounding whitespace and angle brackets.
func NormalizeMessageID(mid string) string {
	mid = strings.TrimSpace(mid)
	mid = strings.TrimPrefix(mid, "<")
	mid = strings.TrimSuffix(mid, ">")
	return strings.TrimSpace(mid)
}
