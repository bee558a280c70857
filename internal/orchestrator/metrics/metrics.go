// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for job throughput, dispatch
// latency, slot occupancy, and webhook delivery outcomes.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted     *prometheus.CounterVec
	jobsCompleted     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	remotePollLatency *prometheus.HistogramVec
	activeSlots       *prometheus.GaugeVec
	webhookAttempts   *prometheus.CounterVec
	webhookLatency    *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to ensure a
// clean registry between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobSubmitted increments the submitted counter for an operation/class.
func ObserveJobSubmitted(operation, class string) {
	op := sanitizeLabel(operation, "unknown")
	cl := sanitizeLabel(class, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(op, cl).Inc()
	}
}

// ObserveJobCompleted records a terminal job outcome and its total duration.
func ObserveJobCompleted(operation, class, status string, duration time.Duration) {
	op := sanitizeLabel(operation, "unknown")
	cl := sanitizeLabel(class, "unknown")
	st := sanitizeLabel(status, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.WithLabelValues(op, cl, st).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(op, cl, st).Observe(durationSeconds(duration))
	}
}

// ObserveRemotePoll records the latency of a single remote endpoint status poll.
func ObserveRemotePoll(operation string, duration time.Duration) {
	op := sanitizeLabel(operation, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if remotePollLatency != nil {
		remotePollLatency.WithLabelValues(op).Observe(durationSeconds(duration))
	}
}

// SetActiveSlots reports the current remote slot occupancy.
func SetActiveSlots(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if activeSlots != nil {
		activeSlots.WithLabelValues("remote").Set(float64(n))
	}
}

// ObserveWebhookAttempt records a single webhook delivery attempt outcome.
func ObserveWebhookAttempt(outcome string, duration time.Duration) {
	o := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if webhookAttempts != nil {
		webhookAttempts.WithLabelValues(o).Inc()
	}
	if webhookLatency != nil {
		webhookLatency.WithLabelValues(o).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaorchestrator",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total jobs enqueued, by operation and dispatch class.",
	}, []string{"operation", "class"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaorchestrator",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total jobs reaching a terminal state, by operation, class, and status.",
	}, []string{"operation", "class", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaorchestrator",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "End-to-end job duration from creation to terminal state.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"operation", "class", "status"})

	pollLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaorchestrator",
		Subsystem: "remote",
		Name:      "poll_duration_seconds",
		Help:      "Latency of a single remote endpoint status poll.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	slots := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediaorchestrator",
		Subsystem: "remote",
		Name:      "active_slots",
		Help:      "Current number of occupied remote dispatch slots.",
	}, []string{"pool"})

	whAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaorchestrator",
		Subsystem: "webhook",
		Name:      "attempts_total",
		Help:      "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	whLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediaorchestrator",
		Subsystem: "webhook",
		Name:      "attempt_duration_seconds",
		Help:      "Latency of a single webhook delivery attempt.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	registry.MustRegister(submitted, completed, duration, pollLatency, slots, whAttempts, whLatency)

	reg = registry
	jobsSubmitted = submitted
	jobsCompleted = completed
	jobDuration = duration
	remotePollLatency = pollLatency
	activeSlots = slots
	webhookAttempts = whAttempts
	webhookLatency = whLatency
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
