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
	"log/slog"
	"net/http"
	"strings"

	"github.com/bcem/ticketrouter/internal/models"
)

// CustomersService handles the customer directory.
type CustomersService struct {
	client *Client
}

type createCustomerRequest struct {
	Email     string   `json:"email"`
	Firstname string   `json:"firstname"`
	Lastname  string   `json:"lastname"`
	Roles     []string `json:"roles"`
}

// FindOrCreate returns the customer whose email equals email, creating it if
// the directory has none. Each attempt searches again before creating, so a
// create that landed despite a failed response is picked up on retry.
func (s *CustomersService) FindOrCreate(ctx context.Context, email, firstname, lastname string) (*models.Customer, error) {
	var customer *models.Customer
	err := s.client.retry(ctx, "find or create customer", func(attempt int) error {
		found, err := s.search(ctx, email)
		if err != nil {
			return err
		}
		if found != nil {
			customer = found
			return nil
		}

		created, err := s.create(ctx, email, firstname, lastname)
		if err != nil {
			return err
		}
		slog.Info("customer created",
			"customer_id", created.ID,
			"email", email,
			"attempt", attempt,
		)
		customer = created
		return nil
	})
	if err != nil {
		return nil, &CustomerDirectoryError{Email: email, Err: err}
	}
	return customer, nil
}

// search matches on exact email, ignoring the directory's fuzzy hits.
func (s *CustomersService) search(ctx context.Context, email string) (*models.Customer, error) {
	var results []models.Customer
	err := s.client.do(ctx, "search customers", http.MethodGet, "/users/search",
		map[string]string{"query": email}, nil, &results)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if strings.EqualFold(strings.TrimSpace(results[i].Email), email) {
			return &results[i], nil
		}
	}
	return nil, nil
}

func (s *CustomersService) create(ctx context.Context, email, firstname, lastname string) (*models.Customer, error) {
	var created models.Customer
	err := s.client.do(ctx, "create customer", http.MethodPost, "/users", nil,
		createCustomerRequest{
			Email:     email,
			Firstname: firstname,
			Lastname:  lastname,
			Roles:     []string{"Customer"},
		}, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// SplitName derives firstname and lastname from a display name. Without one
// the local-part of the address is used as firstname.
func SplitName(addr models.EmailAddress) (string, string) {
	name := strings.Trim(strings.TrimSpace(addr.Name), `"'`)
	if name == "" {
		return addr.LocalPart(), ""
	}
	// "Last, First"
	if last, first, ok := strings.Cut(name, ","); ok {
		return strings.TrimSpace(first), strings.TrimSpace(last)
	}
	fields := strings.Fields(name)
	if len(fields) == 1 {
		return fields[0], ""
	}
	return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
}
