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
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx response from the ticketing API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: ticketing API returned HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: ticketing API returned HTTP %d", e.Op, e.StatusCode)
}

// CustomerDirectoryError is returned when a customer could not be found or
// created after all attempts.
type CustomerDirectoryError struct {
	Email string
	Err   error
}

func (e *CustomerDirectoryError) Error() string {
	return fmt.Sprintf("customer directory %s: %v", e.Email, e.Err)
}

func (e *CustomerDirectoryError) Unwrap() error { return e.Err }

// TicketCreationFailed is returned when the ticket could not be created after
// all attempts. StatusCode is zero for transport failures.
type TicketCreationFailed struct {
	TrackingID string
	StatusCode int
	Message    string
	Err        error
}

func (e *TicketCreationFailed) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ticket creation failed for %s: HTTP %d: %s", e.TrackingID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ticket creation failed for %s: %v", e.TrackingID, e.Err)
}

func (e *TicketCreationFailed) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient: a 5xx or 429 response, a
// timeout, or a network failure. 4xx responses and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ambiguous reports whether a failed create may nonetheless have reached the
// upstream, so a ticket could exist without us having seen its id.
func ambiguous(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return IsRetryable(err)
}
