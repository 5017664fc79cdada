// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gitvisor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var jobBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600}

// Metrics holds the daemon's Prometheus collectors.  Each Manager gets its
// own registry, so several can live in one process.
type Metrics struct {
	registry        *prometheus.Registry
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	projectFailures *prometheus.CounterVec
	projectStarts   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitvisor",
		Name:      "job_runs_total",
		Help:      "Number of reconciliation passes run",
	}, []string{"job"})
	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gitvisor",
		Name:      "job_duration_seconds",
		Help:      "Duration of reconciliation passes",
		Buckets:   jobBuckets,
	}, []string{"job"})
	m.projectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitvisor",
		Name:      "project_failures_total",
		Help:      "Number of per-project failures during reconciliation",
	}, []string{"job"})
	m.projectStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitvisor",
		Name:      "project_starts_total",
		Help:      "Number of project start attempts by outcome",
	}, []string{"outcome"})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gitvisor",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"route", "status"})

	m.registry.MustRegister(m.jobRuns, m.jobDuration, m.projectFailures,
		m.projectStarts, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) observeJob(job string, d time.Duration) {
	m.jobRuns.With(prometheus.Labels{"job": job}).Inc()
	m.jobDuration.With(prometheus.Labels{"job": job}).Observe(d.Seconds())
}

func (m *Metrics) projectFailure(job string) {
	m.projectFailures.With(prometheus.Labels{"job": job}).Inc()
}

func (m *Metrics) projectStart(outcome string) {
	m.projectStarts.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// HTTPRequest counts a request served by the REST API.
func (m *Metrics) HTTPRequest(route string, status int) {
	m.httpRequests.With(prometheus.Labels{
		"route":  route,
		"status": strconv.Itoa(status),
	}).Inc()
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
