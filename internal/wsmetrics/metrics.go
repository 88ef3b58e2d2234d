// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package wsmetrics is the ambient observability surface of SPEC_FULL.md
// §1.6: a small set of prometheus counters/gauges tracking connections,
// requests and CGI invocations, registered the way the teacher's metrics.go
// registers its admin-handler counters, but scoped to this server's own
// reactor instead of an HTTP middleware chain.
package wsmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "webserv"
)

// Metrics is the full set of counters/gauges the reactor and CGI manager
// update as they run. A nil *Metrics is valid and every method on it is a
// no-op, so callers never need to check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionsRejected prometheus.Counter

	requestsTotal *prometheus.CounterVec

	cgiInvocationsTotal prometheus.Counter
	cgiFailuresTotal    *prometheus.CounterVec
	cgiActive           prometheus.Gauge
}

// New builds a Metrics registered against a fresh prometheus.Registry (kept
// private to this server rather than the global DefaultRegisterer, so
// disabling the admin endpoint leaves no global side effects, unlike the
// teacher's package-level init()/MustRegister).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total connections accepted across all listeners.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Connections currently occupying a slab slot.",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "rejected_total",
			Help:      "Connections refused because the slab had no free slot to evict.",
		}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Requests completed, labeled by status class and method.",
		}, []string{"class", "method"}),

		cgiInvocationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cgi",
			Name:      "invocations_total",
			Help:      "CGI processes forked to serve a request.",
		}),
		cgiFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cgi",
			Name:      "failures_total",
			Help:      "CGI invocations that ended in an error response, labeled by reason.",
		}, []string{"reason"}),
		cgiActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cgi",
			Name:      "active",
			Help:      "CGI child processes currently running.",
		}),
	}
	reg.MustRegister(prometheus.NewBuildInfoCollector())
	return m
}

// Registry exposes the underlying registry for the admin mux's /metrics
// handler. Returns nil on a nil *Metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConnectionAccepted records one successful accept4 onto a slab slot.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed records a slab slot being reclaimed.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// ConnectionRejected records a connection refused because allocSlot found no
// free or evictable slot, per spec.md §4.8's exhaustion behaviour.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

// RequestCompleted records one finished request/response cycle.
func (m *Metrics) RequestCompleted(status int, method string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(statusClass(status), method).Inc()
}

// CGIStarted records a CGI fork/exec.
func (m *Metrics) CGIStarted() {
	if m == nil {
		return
	}
	m.cgiInvocationsTotal.Inc()
	m.cgiActive.Inc()
}

// CGIFinished records a CGI child exiting, successfully or not. reason is
// empty on success.
func (m *Metrics) CGIFinished(reason string) {
	if m == nil {
		return
	}
	m.cgiActive.Dec()
	if reason != "" {
		m.cgiFailuresTotal.WithLabelValues(reason).Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return strconv.Itoa(status)
	}
}
