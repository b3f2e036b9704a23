// Copyright 2025 MCPGate
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

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgate_decisions_total",
		Help: "Total policy decisions by outcome",
	}, []string{"decision"})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcpgate_evaluation_duration_seconds",
		Help:    "Policy evaluation latency",
		Buckets: prometheus.DefBuckets,
	})

	workingSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgate_policy_working_set",
		Help: "Number of policies in the in-memory working set",
	})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpgate_evaluations_rate_limited_total",
		Help: "Evaluation requests rejected by per-principal rate limiting",
	})
)

func recordDecision(d *Decision, start time.Time) {
	decisionsTotal.WithLabelValues(string(d.Action)).Inc()
	evaluationDuration.Observe(time.Since(start).Seconds())
}
