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

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_messages_total",
		Help: "Inbound messages by terminal state.",
	}, []string{"state"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_failures_total",
		Help: "FAILED outcomes by failure kind.",
	}, []string{"kind"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_duplicates_total",
		Help: "Re-deliveries of messages that already have a ticket.",
	})

	processingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_processing_seconds",
		Help:    "Time spent in the pipeline per message.",
		Buckets: prometheus.DefBuckets,
	})

	sideEffectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_side_effects_total",
		Help: "Forwarding and auto-response attempts by kind and result.",
	}, []string{"kind", "result"})
)
