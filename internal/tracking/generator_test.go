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

package tracking

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bcem/ticketrouter/internal/models"
)

func baseMessage() *models.InboundMessage {
	return &models.InboundMessage{
		From:       models.EmailAddress{Address: "a@b.com", Name: "Alice"},
		To:         models.EmailAddress{Address: "sales@example.com"},
		Subject:    "quote request",
		TextBody:   "hello",
		MessageID:  "<abc123@mail.b.com>",
		ReceivedAt: time.Date(2026, 3, 1, 9, 15, 20, 0, time.UTC),
	}
}

var idFormat = regexp.MustCompile(`^TKT-[0-9A-Z]{10}$`)

func TestGenerate_Format(t *testing.T) {
	id := New("", 0).Generate(baseMessage())

	assert.Regexp(t, idFormat, id.TrackingID.String())
	assert.True(t, strings.HasPrefix(id.DedupKey, "mid:"))
	assert.Len(t, strings.TrimPrefix(id.DedupKey, "mid:"), 64)
}

func TestGenerate_CustomPrefixAndWidth(t *testing.T) {
	id := New("ACME", 6).Generate(baseMessage())
	assert.Regexp(t, `^ACME-[0-9A-Z]{6}$`, id.TrackingID.String())
}

func TestGenerate_DeterministicWithMessageID(t *testing.T) {
	g := New("", 0)
	first := g.Generate(baseMessage())

	same := baseMessage()
	assert.Equal(t, first, g.Generate(same))

	bodyChanged := baseMessage()
	bodyChanged.TextBody = "a completely different body"
	bodyChanged.Subject = "Re: other"
	bodyChanged.ReceivedAt = bodyChanged.ReceivedAt.Add(6 * time.Hour)
	assert.Equal(t, first, g.Generate(bodyChanged), "only message-id, from and to count")

	bracketless := baseMessage()
	bracketless.MessageID = " abc123@mail.b.com "
	assert.Equal(t, first, g.Generate(bracketless))

	otherRecipient := baseMessage()
	otherRecipient.To.Address = "billing@example.com"
	assert.NotEqual(t, first.TrackingID, g.Generate(otherRecipient).TrackingID)
}

func TestGenerate_FallbackMinuteGranularity(t *testing.T) {
	g := New("", 0)

	m := baseMessage()
	m.MessageID = ""
	first := g.Generate(m)
	assert.True(t, strings.HasPrefix(first.DedupKey, "hash:"))

	sameMinute := baseMessage()
	sameMinute.MessageID = ""
	sameMinute.ReceivedAt = time.Date(2026, 3, 1, 9, 15, 59, 0, time.UTC)
	sameMinute.TextBody = "edited body"
	assert.Equal(t, first, g.Generate(sameMinute))

	nextMinute := baseMessage()
	nextMinute.MessageID = ""
	nextMinute.ReceivedAt = time.Date(2026, 3, 1, 9, 16, 0, 0, time.UTC)
	assert.NotEqual(t, first, g.Generate(nextMinute))

	otherSubject := baseMessage()
	otherSubject.MessageID = ""
	otherSubject.Subject = "different"
	assert.NotEqual(t, first, g.Generate(otherSubject))
}

func TestGenerate_MessageIDAndFallbackDiffer(t *testing.T) {
	g := New("", 0)
	withID := g.Generate(baseMessage())

	m := baseMessage()
	m.MessageID = "<>"
	withoutID := g.Generate(m)

	assert.NotEqual(t, withID.DedupKey, withoutID.DedupKey)
	assert.True(t, strings.HasPrefix(withoutID.DedupKey, "hash:"))
}
