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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bcem/ticketrouter/internal/models"
)

// ApplyFunc receives each successfully reloaded set of domains.
type ApplyFunc func([]models.DomainConfig)

// Watcher reloads the domains file when it changes. Invalid documents are
// logged and ignored; the previously applied domains stay in effect.
type Watcher struct {
	path     string
	apply    ApplyFunc
	debounce time.Duration
}

// NewWatcher creates a watcher for the domains file at path.
func NewWatcher(path string, apply ApplyFunc) *Watcher {
	return &Watcher{path: filepath.Clean(path), apply: apply, debounce: 250 * time.Millisecond}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file and mounted config volumes that swap a
// symlink are both seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create domains watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("watching domains file", "path", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("domains watcher error", "error", err)

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	// Kubernetes ConfigMap volumes swap a ..data symlink instead of the file.
	return name == w.path || filepath.Base(name) == "..data"
}

func (w *Watcher) reload() {
	domains, err := LoadDomains(w.path)
	if err != nil {
		slog.Error("domains reload rejected, keeping previous configuration",
			"path", w.path,
			"error", err,
		)
		return
	}
	w.apply(domains)
	slog.Info("domains reloaded", "path", w.path, "domains", len(domains))
}
