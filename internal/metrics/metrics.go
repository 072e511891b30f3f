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

// Package metrics exposes Prometheus counters for the gateway. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes.
const (
	OutcomeRouted    = "routed"
	OutcomeDuplicate = "duplicate"
	OutcomeBounce    = "bounce"
	OutcomeIgnored   = "ignored"
	OutcomeLoop      = "loop"
	OutcomeRejected  = "rejected"
	OutcomeNoRoute   = "no_route"
	OutcomeError     = "error"
)

// Metrics holds the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	routes        *prometheus.CounterVec
	bouncesSent   prometheus.Counter
	notifications *prometheus.CounterVec
	push          *prometheus.CounterVec
	mail          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      prometheus.Histogram
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_messages_total",
			Help: "Inbound messages by processing outcome",
		}, []string{"outcome"}),
		routes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_routes_total",
			Help: "Dispatched routes by model and kind (new or update)",
		}, []string{"model", "kind"}),
		bouncesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mailgate_bounces_sent_total",
			Help: "Bounce replies generated by the gateway",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_notifications_total",
			Help: "Recipients notified by channel",
		}, []string{"channel"}),
		push: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_push_deliveries_total",
			Help: "Push deliveries by outcome",
		}, []string{"outcome"}),
		mail: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_outgoing_mail_total",
			Help: "Outgoing mail by final state",
		}, []string{"state"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_failures_total",
			Help: "Failures after a message was stored, by stage",
		}, []string{"stage"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailgate_process_duration_seconds",
			Help:    "Time to process one inbound message",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Message(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) Route(model string, isNew bool) {
	if m == nil {
		return
	}
	kind := "update"
	if isNew {
		kind = "new"
	}
	m.routes.WithLabelValues(model, kind).Inc()
}

func (m *Metrics) BounceSent() {
	if m == nil {
		return
	}
	m.bouncesSent.Inc()
}

func (m *Metrics) Notified(channel string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.notifications.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) Push(outcome string) {
	if m == nil {
		return
	}
	m.push.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Mail(state string) {
	if m == nil {
		return
	}
	m.mail.WithLabelValues(state).Inc()
}

// Failure counts a stage that failed after the message was stored
// ("route" or "notify").
func (m *Metrics) Failure(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}
