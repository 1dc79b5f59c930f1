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

package models

// Branding carries the per-domain identity used in auto-responses.
type Branding struct {
	CompanyName    string `yaml:"company_name" json:"company_name"`
	Color          string `yaml:"color" json:"color"`
	Signature      string `yaml:"signature" json:"signature"`
	SupportAddress string `yaml:"support_address" json:"support_address"`
	Website        string `yaml:"website" json:"website"`
}

// AutoResponse controls the acknowledgement sent back to a human sender.
type AutoResponse struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	SubjectTemplate string `yaml:"subject_template" json:"subject_template"`
	TemplateID      string `yaml:"template_id" json:"template_id"`
	BusinessHours   bool   `yaml:"business_hours" json:"business_hours"`
}

// RuleMatch holds the predicates of a routing rule. Every populated field must
// hold; within a field any keyword may match.
type RuleMatch struct {
	ToContains      []string `yaml:"to_contains" json:"to_contains,omitempty"`
	SubjectContains []string `yaml:"subject_contains" json:"subject_contains,omitempty"`
}

// RuleAction is applied to the ticket when a rule matches.
type RuleAction struct {
	Template string   `yaml:"template" json:"template,omitempty"`
	Priority string   `yaml:"priority" json:"priority,omitempty"`
	Tags     []string `yaml:"tags" json:"tags,omitempty"`
}

// RoutingRule is an operator-authored predicate/action pair.
type RoutingRule struct {
	Name   string     `yaml:"name" json:"name"`
	Match  RuleMatch  `yaml:"match" json:"match"`
	Action RuleAction `yaml:"action" json:"action"`
}

// DomainConfig is the routing configuration of one catch-all domain pattern.
// Pattern is either a literal domain or a "*."-prefixed wildcard.
type DomainConfig struct {
	Pattern         string        `yaml:"domain" json:"domain"`
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Branding        Branding      `yaml:"branding" json:"branding"`
	AutoResponse    AutoResponse  `yaml:"auto_response" json:"auto_response"`
	Rules           []RoutingRule `yaml:"rules" json:"rules,omitempty"`
	ForwardTo       string        `yaml:"forward_to" json:"forward_to,omitempty"`
	Group           string        `yaml:"group" json:"group,omitempty"`
	LogAutomated    bool          `yaml:"log_automated" json:"log_automated"`
	DefaultPriority string        `yaml:"default_priority" json:"default_priority,omitempty"`
	DefaultTags     []string      `yaml:"default_tags" json:"default_tags,omitempty"`
}
