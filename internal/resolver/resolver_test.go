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

package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/ticketrouter/internal/models"
)

func TestResolve(t *testing.T) {
	configs := []models.DomainConfig{
		{Pattern: "*.example.com", Enabled: true, Group: "wildcard"},
		{Pattern: "Support.Example.com", Enabled: true, Group: "exact"},
		{Pattern: "*.shop.io", Enabled: true, Group: "shop-first"},
		{Pattern: "*.io", Enabled: true, Group: "io"},
		{Pattern: "off.example.org", Enabled: false, Group: "off"},
	}
	r := New(configs)

	tests := []struct {
		name      string
		recipient string
		wantGroup string
		wantErr   bool
	}{
		{name: "exact beats wildcard", recipient: "help@support.example.com", wantGroup: "exact"},
		{name: "exact is case-insensitive", recipient: "help@SUPPORT.EXAMPLE.COM", wantGroup: "exact"},
		{name: "wildcard subdomain", recipient: "sales@billing.example.com", wantGroup: "wildcard"},
		{name: "wildcard matches bare suffix", recipient: "sales@example.com", wantGroup: "wildcard"},
		{name: "first wildcard in declaration order", recipient: "a@eu.shop.io", wantGroup: "shop-first"},
		{name: "later wildcard when earlier misses", recipient: "a@other.io", wantGroup: "io"},
		{name: "suffix needs a dot boundary", recipient: "a@notexample.com", wantErr: true},
		{name: "disabled domain is unconfigured", recipient: "a@off.example.org", wantErr: true},
		{name: "unknown domain", recipient: "a@nowhere.net", wantErr: true},
		{name: "no domain part", recipient: "postmaster", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := r.Resolve(tt.recipient)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnconfiguredDomain)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantGroup, cfg.Group)
		})
	}
}

func TestResolve_WildcardOnlyWhenNoExactEntry(t *testing.T) {
	r := New([]models.DomainConfig{{Pattern: "*.example.com", Enabled: true, Group: "wildcard"}})

	cfg, err := r.Resolve("x@support.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wildcard", cfg.Group)

	r.Replace([]models.DomainConfig{
		{Pattern: "*.example.com", Enabled: true, Group: "wildcard"},
		{Pattern: "support.example.com", Enabled: true, Group: "exact"},
	})

	cfg, err = r.Resolve("x@support.example.com")
	require.NoError(t, err)
	assert.Equal(t, "exact", cfg.Group)
}

func TestResolve_DoesNotLeakMutations(t *testing.T) {
	r := New([]models.DomainConfig{{Pattern: "example.com", Enabled: true, Group: "g"}})

	cfg, err := r.Resolve("a@example.com")
	require.NoError(t, err)
	cfg.Group = "changed"

	again, err := r.Resolve("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "g", again.Group)
	assert.Equal(t, 1, r.Len())
}
