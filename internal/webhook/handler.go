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

// Package webhook accepts inbound mail from the mail transport over HTTP.
// Messages arrive either pre-parsed as JSON or as raw RFC 822 bytes and are
// handed to the routing pipeline synchronously. Transient failures are
// parked on the retry queue so the transport is not asked to redeliver.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bcem/ticketrouter/internal/mailparse"
	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/pipeline"
)

const (
	// SecretHeader carries the shared secret configured on the transport.
	SecretHeader = "X-Webhook-Secret"

	maxBodyBytes   = 25 << 20
	processTimeout = 2 * time.Minute
)

// Processor runs a message through the routing pipeline.
type Processor interface {
	Process(ctx context.Context, msg *models.InboundMessage) pipeline.Result
}

// Enqueuer schedules a message for a later attempt.
type Enqueuer interface {
	Schedule(ctx context.Context, msg *models.InboundMessage, trackingID string, attempt int, lastErr string) error
}

// Response is the JSON body returned for every accepted request.
type Response struct {
	State      pipeline.State `json:"state"`
	TrackingID string         `json:"tracking_id,omitempty"`
	TicketID   int64          `json:"ticket_id,omitempty"`
	Duplicate  bool           `json:"duplicate,omitempty"`
	Queued     bool           `json:"queued,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Handler serves the inbound mail endpoints.
type Handler struct {
	proc   Processor
	queue  Enqueuer
	secret string
}

// NewHandler creates an inbound handler. queue may be nil, in which case
// transient failures are reported to the transport with 503. An empty
// secret disables the shared-secret check.
func NewHandler(proc Processor, queue Enqueuer, secret string) *Handler {
	return &Handler{proc: proc, queue: queue, secret: secret}
}

// Routes registers the inbound endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/inbound", h.ServeInbound)
	mux.HandleFunc("/inbound/raw", h.ServeRaw)
}

// ServeInbound accepts a JSON-encoded InboundMessage.
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	if !h.accept(w, r) {
		return
	}

	var msg models.InboundMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&msg); err != nil {
		slog.Warn("rejecting undecodable inbound payload", "error", err)
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	h.process(w, r, &msg)
}

// ServeRaw accepts a raw RFC 822 message. The envelope recipient, when the
// transport knows it, is passed as the "to" query parameter.
func (h *Handler) ServeRaw(w http.ResponseWriter, r *http.Request) {
	if !h.accept(w, r) {
		return
	}

	msg, err := mailparse.Parse(http.MaxBytesReader(w, r.Body, maxBodyBytes), mailparse.Options{
		EnvelopeTo: r.URL.Query().Get("to"),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Warn("rejecting unparseable raw message", "error", err)
		http.Error(w, "unparseable message", http.StatusBadRequest)
		return
	}

	h.process(w, r, msg)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			slog.Warn("inbound request with bad secret", "remote", remoteHost(r.RemoteAddr))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return false
		}
	}
	return true
}

// process runs the pipeline detached from the request context so a
// transport that hangs up mid-request does not abort ticket creation.
func (h *Handler) process(w http.ResponseWriter, r *http.Request, msg *models.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), processTimeout)
	defer cancel()

	res := h.proc.Process(ctx, msg)

	resp := Response{
		State:      res.State,
		TrackingID: res.TrackingID,
		TicketID:   res.TicketID,
		Duplicate:  res.Duplicate,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	status := http.StatusAccepted
	switch {
	case res.State != pipeline.StateFailed:
	case res.Failure == pipeline.FailureMalformed:
		status = http.StatusUnprocessableEntity
	case res.Failure == pipeline.FailureInFlight:
		// Another delivery holds the lease; let the transport redeliver.
		status = http.StatusServiceUnavailable
	case !res.Retryable:
	case h.queue == nil:
		status = http.StatusServiceUnavailable
	default:
		if err := h.queue.Schedule(ctx, msg, res.TrackingID, 1, resp.Error); err != nil {
			slog.Error("failed to queue message for retry",
				"tracking_id", res.TrackingID,
				"error", err,
			)
			status = http.StatusServiceUnavailable
		} else {
			resp.Queued = true
		}
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Serve starts an HTTP server for handler on the given port.
// ready is closed once the server is listening. When ctx is cancelled the
// server stops accepting requests, lets in-flight ones finish for up to
// shutdownGrace, and then closes stopped.
func Serve(ctx context.Context, port int, handler http.Handler, shutdownGrace time.Duration) (ready, stopped <-chan struct{}, err error) {
	readyCh := make(chan struct{})
	stoppedCh := make(chan struct{})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      processTimeout + 10*time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		defer close(stoppedCh)
		<-ctx.Done()
		slog.Info("inbound server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("inbound server shutdown error", "error", err)
			server.Close()
		}
	}()

	go func() {
		slog.Info("inbound server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("inbound server error", "error", err)
		}
	}()

	return readyCh, stoppedCh, nil
}

// remoteHost strips the port from a RemoteAddr.
func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
