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
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bcem/ticketrouter/internal/models"
)

// TicketsService handles ticket creation and lookup.
type TicketsService struct {
	client *Client
}

// Create submits ticket. A retry that follows an ambiguous failure (timeout
// or 5xx) first looks the ticket up by tracking id, so a create that reached
// the upstream is never submitted twice.
func (s *TicketsService) Create(ctx context.Context, ticket models.Ticket, trackingID string) (*models.Ticket, error) {
	var (
		created *models.Ticket
		lastErr error
	)
	err := s.client.retry(ctx, "create ticket", func(attempt int) error {
		if attempt > 1 && ambiguous(lastErr) {
			existing, err := s.FindByTrackingID(ctx, trackingID)
			if err != nil {
				lastErr = err
				return err
			}
			if existing != nil {
				slog.Info("ticket found after ambiguous create failure",
					"tracking_id", trackingID,
					"ticket_id", existing.ID,
				)
				created = existing
				return nil
			}
		}

		var out models.Ticket
		if err := s.client.do(ctx, "create ticket", http.MethodPost, "/tickets", nil, ticket, &out); err != nil {
			lastErr = err
			return err
		}
		created = &out
		return nil
	})
	if err != nil {
		failed := &TicketCreationFailed{TrackingID: trackingID, Err: err}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			failed.StatusCode = apiErr.StatusCode
			failed.Message = apiErr.Message
		}
		return nil, failed
	}
	return created, nil
}

// FindByTrackingID returns the ticket tagged with trackingID, or nil.
func (s *TicketsService) FindByTrackingID(ctx context.Context, trackingID string) (*models.Ticket, error) {
	var results []models.Ticket
	err := s.client.do(ctx, "search tickets", http.MethodGet, "/tickets/search",
		map[string]string{"query": "tags:" + trackingID, "expand": "true"}, nil, &results)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}
