// Copyright 2025 Tom Barlow
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

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the supervisor's Prometheus instruments.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	SignalsForwarded prometheus.Counter
	ForwardsMissed   prometheus.Counter
	CommandRuns      *prometheus.CounterVec
	CurrentState     prometheus.Gauge
}

// NewMetrics creates and registers the supervisor metrics.
// reg may be nil, in which case the instruments are created unregistered
// (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "state_transitions_total",
			Help:      "Lifecycle state transitions, labelled by resulting state.",
		}, []string{"state"}),
		SignalsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "signals_forwarded_total",
			Help:      "Signals forwarded to the tracked process.",
		}),
		ForwardsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "forwards_missed_total",
			Help:      "Forwards skipped because identity verification failed.",
		}),
		CommandRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "command_runs_total",
			Help:      "External command executions, labelled by outcome.",
		}, []string{"outcome"}),
		CurrentState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "state",
			Help:      "Current lifecycle state as its numeric value.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Transitions,
			m.SignalsForwarded,
			m.ForwardsMissed,
			m.CommandRuns,
			m.CurrentState,
		)
	}

	return m
}

func (m *Metrics) observeTransition(s State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(s.String()).Inc()
	m.CurrentState.Set(float64(s))
}

func (m *Metrics) observeCommand(outcome string) {
	if m == nil {
		return
	}
	m.CommandRuns.WithLabelValues(outcome).Inc()
}
