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
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/bcem/ticketrouter/internal/autoresponse"
	"github.com/bcem/ticketrouter/internal/models"
)

//go:embed domains.schema.json
var domainsSchema []byte

var domainsSchemaLoader = gojsonschema.NewBytesLoader(domainsSchema)

// ErrInvalidDomains wraps every validation failure of a domains document.
var ErrInvalidDomains = errors.New("invalid domains document")

type domainsDocument struct {
	Domains []models.DomainConfig `yaml:"domains"`
}

// LoadDomains reads the domain routing document at path. ${VAR} references
// are expanded before parsing.
func LoadDomains(path string) ([]models.DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domains file %s: %w", path, err)
	}
	return ParseDomains(data)
}

// ParseDomains validates a domains document against the embedded schema and
// decodes it. Domains default to enabled.
func ParseDomains(data []byte) ([]models.DomainConfig, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var generic map[string]any
	if err := yaml.Unmarshal(expanded, &generic); err != nil {
		return nil, fmt.Errorf("%w: parse YAML: %w", ErrInvalidDomains, err)
	}
	if generic == nil {
		return nil, fmt.Errorf("%w: document is empty", ErrInvalidDomains)
	}

	result, err := gojsonschema.Validate(domainsSchemaLoader, gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, fmt.Errorf("%w: schema validation: %w", ErrInvalidDomains, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidDomains, strings.Join(msgs, "; "))
	}

	var doc domainsDocument
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode domains: %w", ErrInvalidDomains, err)
	}

	raw, _ := generic["domains"].([]any)
	seen := make(map[string]bool, len(doc.Domains))
	for i := range doc.Domains {
		d := &doc.Domains[i]
		if i < len(raw) {
			if m, ok := raw[i].(map[string]any); ok {
				if _, set := m["enabled"]; !set {
					d.Enabled = true
				}
			}
		}

		key := strings.ToLower(strings.TrimSpace(d.Pattern))
		if seen[key] {
			return nil, fmt.Errorf("%w: domain %q declared twice", ErrInvalidDomains, d.Pattern)
		}
		seen[key] = true

		if err := checkSubjectTemplate(d); err != nil {
			return nil, fmt.Errorf("%w: domain %q: %w", ErrInvalidDomains, d.Pattern, err)
		}
	}

	return doc.Domains, nil
}

// checkSubjectTemplate renders the auto-response subject once so a broken
// template is caught at load time rather than on the first reply.
func checkSubjectTemplate(d *models.DomainConfig) error {
	src := strings.TrimSpace(d.AutoResponse.SubjectTemplate)
	if src == "" {
		return nil
	}
	_, err := autoresponse.RenderSubject(src, pongo2.Context{
		"subject":     "subject",
		"tracking_id": "TKT-0000000000",
	})
	if err != nil {
		return fmt.Errorf("subject template: %w", err)
	}
	return nil
}
