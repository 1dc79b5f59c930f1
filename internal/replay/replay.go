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

// Package replay feeds archived .eml files through the routing pipeline.
// It is used to recover mail accepted while the ticketing system was down
// and to seed new deployments. Replays are safe to repeat: messages that
// already produced a ticket come back as duplicates.
package replay

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bcem/ticketrouter/internal/mailparse"
	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/pipeline"
)

// Processor runs a message through the routing pipeline.
type Processor interface {
	Process(ctx context.Context, msg *models.InboundMessage) pipeline.Result
}

// Request defines the scope of a replay run.
type Request struct {
	// Since limits the run to files modified within this window. Zero
	// replays everything.
	Since time.Duration
	// Recipient overrides the envelope recipient of every message.
	Recipient string
}

// Result summarises a completed replay run.
type Result struct {
	Files      int
	Created    int
	Duplicates int
	Suppressed int
	Failed     int
	Skipped    int
	Unreadable int
	States     map[pipeline.State]int
	Elapsed    time.Duration
}

// Runner replays .eml files.
type Runner struct {
	proc  Processor
	delay time.Duration // pause between messages to spare the ticketing API
	now   func() time.Time
}

// NewRunner creates a replay runner.
func NewRunner(proc Processor, delay time.Duration) *Runner {
	return &Runner{proc: proc, delay: delay, now: time.Now}
}

// Run replays every .eml file under fsys in lexical order.
func (r *Runner) Run(ctx context.Context, fsys fs.FS, req Request) (*Result, error) {
	start := time.Now()
	result := &Result{States: make(map[pipeline.State]int)}

	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(path.Ext(p), ".eml") {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk replay directory: %w", err)
	}
	sort.Strings(files)

	var cutoff time.Time
	if req.Since > 0 {
		cutoff = r.now().Add(-req.Since)
	}

	slog.Info("starting replay", "files", len(files), "since", req.Since)

	for i, name := range files {
		if i > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Files++
		msg, skip, err := r.load(fsys, name, cutoff, req.Recipient)
		if err != nil {
			slog.Warn("replay: unreadable message", "file", name, "error", err)
			result.Unreadable++
			continue
		}
		if skip {
			result.Skipped++
			continue
		}

		res := r.proc.Process(ctx, msg)
		result.States[res.State]++
		switch {
		case res.Duplicate:
			result.Duplicates++
		case res.State == pipeline.StateTicketCreated:
			result.Created++
		case res.State == pipeline.StateFailed:
			result.Failed++
			slog.Warn("replay: message failed",
				"file", name,
				"tracking_id", res.TrackingID,
				"failure", res.Failure,
				"error", res.Err,
			)
		default:
			result.Suppressed++
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("replay complete",
		"files", result.Files,
		"created", result.Created,
		"duplicates", result.Duplicates,
		"suppressed", result.Suppressed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"unreadable", result.Unreadable,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

func (r *Runner) load(fsys fs.FS, name string, cutoff time.Time, recipient string) (*models.InboundMessage, bool, error) {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return nil, false, err
	}
	if !cutoff.IsZero() && info.ModTime().Before(cutoff) {
		return nil, true, nil
	}

	f, err := fsys.Open(name)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	msg, err := mailparse.Parse(f, mailparse.Options{EnvelopeTo: recipient})
	if err != nil {
		return nil, false, err
	}
	// Keep dedup keys stable across replays of mail without a Date header.
	if msg.Headers.Get("Date") == "" {
		msg.ReceivedAt = info.ModTime().UTC()
	}
	return msg, false, nil
}
