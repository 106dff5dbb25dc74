// Prover Coordination is a rollup-style proving coordinator.
// Copyright (C) 2025 Matthew Burns
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

package metrics

import (
	"net/http"
	"strconv"
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

	registryRequests    *prometheus.CounterVec
	registryOpDuration   *prometheus.HistogramVec
	leaseReclaims        *prometheus.CounterVec
	proofsPublished      *prometheus.CounterVec
	workerRoundDuration  *prometheus.HistogramVec
	notifierSubscriptions *prometheus.GaugeVec
	notifierDropped       *prometheus.CounterVec
)

const (
	OpRegisterProver     = "register_prover"
	OpProverStopped      = "prover_stopped"
	OpNextUnverified     = "next_unverified_commit"
	OpWorkingOn          = "working_on"
	OpProverData         = "prover_data"
	OpPublishProof       = "publish_proof"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests to
// ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRegistryOp records a completed Registry HTTP operation.
func ObserveRegistryOp(op string, code int, duration time.Duration) {
	labelOp := sanitizeLabel(op, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if registryRequests != nil {
		registryRequests.WithLabelValues(labelOp, status).Inc()
	}
	if registryOpDuration != nil {
		registryOpDuration.WithLabelValues(labelOp).Observe(durationSeconds(duration))
	}
}

// IncLeaseReclaim counts a lease expiry reclaim for the given worker.
func IncLeaseReclaim(workerName string) {
	mu.RLock()
	defer mu.RUnlock()
	if leaseReclaims != nil {
		leaseReclaims.WithLabelValues(sanitizeLabel(workerName, "unknown")).Inc()
	}
}

// IncProofPublished counts a successful publish_proof, split by whether it
// was accepted on a Held job or on a job still Free (a "late" publish).
func IncProofPublished(late bool) {
	kind := "on_time"
	if late {
		kind = "late"
	}
	mu.RLock()
	defer mu.RUnlock()
	if proofsPublished != nil {
		proofsPublished.WithLabelValues(kind).Inc()
	}
}

// ObserveWorkerRound records the duration of one Prover Worker round.
func ObserveWorkerRound(outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if workerRoundDuration != nil {
		workerRoundDuration.WithLabelValues(sanitizeLabel(outcome, "unknown")).Observe(durationSeconds(duration))
	}
}

// SetNotifierSubscriptions reports the live subscription count for a kind.
func SetNotifierSubscriptions(kind string, count int) {
	mu.RLock()
	defer mu.RUnlock()
	if notifierSubscriptions != nil {
		notifierSubscriptions.WithLabelValues(sanitizeLabel(kind, "unknown")).Set(float64(count))
	}
}

// IncNotifierDropped counts a command dropped by the Notifier's bounded
// command channel under back-pressure.
func IncNotifierDropped(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if notifierDropped != nil {
		notifierDropped.WithLabelValues(sanitizeLabel(reason, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover_coordination",
		Subsystem: "registry",
		Name:      "requests_total",
		Help:      "Total Registry worker-facing HTTP requests grouped by operation and status code.",
	}, []string{"op", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prover_coordination",
		Subsystem: "registry",
		Name:      "request_duration_seconds",
		Help:      "Duration of Registry worker-facing HTTP requests by operation.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"op"})

	reclaims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover_coordination",
		Subsystem: "registry",
		Name:      "lease_reclaims_total",
		Help:      "Total number of expired leases reclaimed by a new worker.",
	}, []string{"worker"})

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover_coordination",
		Subsystem: "registry",
		Name:      "proofs_published_total",
		Help:      "Total proofs published, split by on_time (job held) vs late (job still free) submission.",
	}, []string{"kind"})

	roundDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prover_coordination",
		Subsystem: "worker",
		Name:      "round_duration_seconds",
		Help:      "Duration of one Prover Worker round by outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
	}, []string{"outcome"})

	subs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "prover_coordination",
		Subsystem: "notifier",
		Name:      "subscriptions",
		Help:      "Current number of pending subscriptions by kind.",
	}, []string{"kind"})

	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prover_coordination",
		Subsystem: "notifier",
		Name:      "commands_dropped_total",
		Help:      "Total commands dropped by the bounded command channel under back-pressure.",
	}, []string{"reason"})

	registry.MustRegister(reqTotal, reqDuration, reclaims, published, roundDuration, subs, dropped)

	reg = registry
	registryRequests = reqTotal
	registryOpDuration = reqDuration
	leaseReclaims = reclaims
	proofsPublished = published
	workerRoundDuration = roundDuration
	notifierSubscriptions = subs
	notifierDropped = dropped
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
