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

// Package resolver maps an inbound recipient address to the DomainConfig that
// governs it. Lookups are read-only; the configured set can be swapped at
// runtime by a config reloader.
package resolver

import (
	"errors"
	"strings"
	"sync/atomic"

	"golang.org/x/text/cases"

	"github.com/bcem/ticketrouter/internal/models"
)

// ErrUnconfiguredDomain is returned when no enabled DomainConfig matches.
var ErrUnconfiguredDomain = errors.New("unconfigured domain")

var fold = cases.Fold()

type snapshot struct {
	exact     map[string]*models.DomainConfig
	wildcards []wildcard // declaration order
}

type wildcard struct {
	suffix string
	cfg    *models.DomainConfig
}

// Resolver resolves recipient domains against an immutable snapshot.
type Resolver struct {
	current atomic.Pointer[snapshot]
}

// New creates a resolver over the given configs.
func New(configs []models.DomainConfig) *Resolver {
	r := &Resolver{}
	r.Replace(configs)
	return r
}

// Replace atomically swaps the configured domains. In-flight lookups keep
// using the previous snapshot.
func (r *Resolver) Replace(configs []models.DomainConfig) {
	s := &snapshot{exact: make(map[string]*models.DomainConfig, len(configs))}
	for i := range configs {
		cfg := configs[i]
		pattern := fold.String(strings.TrimSpace(cfg.Pattern))
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			s.wildcards = append(s.wildcards, wildcard{suffix: suffix, cfg: &cfg})
			continue
		}
		// First declaration wins for duplicate literals.
		if _, dup := s.exact[pattern]; !dup {
			s.exact[pattern] = &cfg
		}
	}
	r.current.Store(s)
}

// Len returns the number of configured patterns.
func (r *Resolver) Len() int {
	s := r.current.Load()
	return len(s.exact) + len(s.wildcards)
}

// Resolve returns the DomainConfig for the recipient address.
//
// Matching order:
//   - exact domain equality, case-insensitive
//   - first "*.suffix" entry in declaration order whose suffix equals the
//     domain or is a dot-separated tail of it
//
// A disabled match is reported as ErrUnconfiguredDomain.
func (r *Resolver) Resolve(recipient string) (*models.DomainConfig, error) {
	domain := fold.String(models.EmailAddress{Address: recipient}.Domain())
	if domain == "" {
		return nil, ErrUnconfiguredDomain
	}

	s := r.current.Load()
	if cfg, ok := s.exact[domain]; ok {
		return enabled(cfg)
	}

	for _, w := range s.wildcards {
		if domain == w.suffix || strings.HasSuffix(domain, "."+w.suffix) {
			return enabled(w.cfg)
		}
	}

	return nil, ErrUnconfiguredDomain
}

func enabled(cfg *models.DomainConfig) (*models.DomainConfig, error) {
	if !cfg.Enabled {
		return nil, ErrUnconfiguredDomain
	}
	out := *cfg
	return &out, nil
}
