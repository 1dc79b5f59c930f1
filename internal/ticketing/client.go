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

// Package ticketing is a client for the external ticketing system's REST API:
// the customer directory (find-or-create by email) and ticket creation.
//
// Every call is bounded by a per-request timeout. Transient failures are
// retried with exponential backoff up to a fixed number of attempts; 4xx
// responses are permanent.
package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds each upstream request.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxAttempts includes the first try.
	DefaultMaxAttempts = 3

	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second

	// maxErrorBody caps how much of an error response is kept for logs.
	maxErrorBody = 512
)

// Config holds ticketing client settings.
type Config struct {
	BaseURL        string
	Token          string
	UserAgent      string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Client talks to the ticketing API.
type Client struct {
	http *resty.Client
	cfg  Config

	Customers *CustomersService
	Tickets   *TicketsService
}

// NewClient creates a ticketing client. A non-empty Token is sent as a
// bearer token on every request.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ticketrouter/1.0"
	}

	hc := &http.Client{}
	if cfg.Token != "" {
		hc = oauth2.NewClient(context.Background(),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
	}

	httpClient := resty.NewWithClient(hc).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	c := &Client{http: httpClient, cfg: cfg}
	c.Customers = &CustomersService{client: c}
	c.Tickets = &TicketsService{client: c}
	return c
}

// do executes one request and decodes a 2xx JSON body into result.
func (c *Client) do(ctx context.Context, op, method, path string, query map[string]string, body, result any) error {
	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.IsSuccess() {
		msg := resp.String()
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		slog.Warn("ticketing API error",
			"op", op,
			"status", resp.StatusCode(),
			"body", msg,
		)
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Message: msg}
	}

	if result == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// MessageBudget is the longest one message can spend in the ticketing system
// when every request times out and every backoff wait hits its ceiling. Each
// attempt of FindOrCreate and Create issues at most two requests, and a
// retried message looks its ticket up once more before creating.
func MessageBudget(timeout time.Duration, attempts int) time.Duration {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	maxWait := defaultMaxBackoff + defaultMaxBackoff/2 // randomization factor 0.5
	requests := time.Duration(4*attempts + 1)
	waits := time.Duration(2 * (attempts - 1))
	return requests*timeout + waits*maxWait
}

// retry runs fn until it succeeds, fails permanently, or the attempt budget
// is spent. The last error is returned.
func (c *Client) retry(ctx context.Context, op string, fn func(attempt int) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = defaultMaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn(attempt)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		slog.Warn("ticketing call failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", wait.String(),
			"error", err,
		)
	})
}
