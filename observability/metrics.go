package observability

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MultisigMetrics tracks the proposal lifecycle, signature intake, the validity
// sweep, submissions and ledger gateway calls.
type MultisigMetrics struct {
	signatures   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	sweeps       prometheus.Counter
	sweepErrors  prometheus.Counter
	sweepLatency prometheus.Histogram
	submissions  *prometheus.CounterVec
	gatewayCalls *prometheus.CounterVec
	gatewayTime  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpTime     *prometheus.HistogramVec
}

var (
	multisigMetricsOnce sync.Once
	multisigRegistry    *MultisigMetrics
)

// Multisig returns the lazily-initialised metrics registry for the service.
func Multisig() *MultisigMetrics {
	multisigMetricsOnce.Do(func() {
		multisigRegistry = &MultisigMetrics{
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multisig",
				Subsystem: "signatures",
				Name:      "received_total",
				Help:      "Signatures received segmented by intake outcome.",
			}, []string{"outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multisig",
				Subsystem: "proposals",
				Name:      "transitions_total",
				Help:      "Proposal status transitions segmented by source and target status.",
			}, []string{"from", "to"}),
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "multisig",
				Subsystem: "monitor",
				Name:      "sweeps_total",
				Help:      "Completed validity sweeps.",
			}),
			sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "multisig",
				Subsystem: "monitor",
				Name:      "proposal_errors_total",
				Help:      "Proposals skipped during a sweep because of an error.",
			}),
			sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "multisig",
				Subsystem: "monitor",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of a validity sweep.",
				Buckets:   prometheus.DefBuckets,
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multisig",
				Subsystem: "submissions",
				Name:      "attempts_total",
				Help:      "Submission attempt rows segmented by outcome.",
			}, []string{"outcome"}),
			gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multisig",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Ledger gateway requests segmented by endpoint and result.",
			}, []string{"endpoint", "result"}),
			gatewayTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "multisig",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledger gateway requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multisig",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests served segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			httpTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "multisig",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			multisigRegistry.signatures,
			multisigRegistry.transitions,
			multisigRegistry.sweeps,
			multisigRegistry.sweepErrors,
			multisigRegistry.sweepLatency,
			multisigRegistry.submissions,
			multisigRegistry.gatewayCalls,
			multisigRegistry.gatewayTime,
			multisigRegistry.httpRequests,
			multisigRegistry.httpTime,
		)
	})
	return multisigRegistry
}

// RecordSignature counts one AddSignature call by its outcome label.
func (m *MultisigMetrics) RecordSignature(outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(label(outcome)).Inc()
}

// RecordTransition counts a successful status change.
func (m *MultisigMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(from), label(to)).Inc()
}

// ObserveSweep records one completed monitor sweep.
func (m *MultisigMetrics) ObserveSweep(d time.Duration, failedProposals int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepErrors.Add(float64(failedProposals))
	m.sweepLatency.Observe(d.Seconds())
}

// RecordSubmission counts one appended submission attempt row.
func (m *MultisigMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(outcome)).Inc()
}

// ObserveGatewayCall records the result and latency of one gateway request.
func (m *MultisigMetrics) ObserveGatewayCall(endpoint string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(err.Error(), "Client.Timeout"):
		result = "timeout"
	default:
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(label(endpoint), result).Inc()
	m.gatewayTime.WithLabelValues(label(endpoint)).Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func (m *MultisigMetrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpTime.WithLabelValues(route, method).Observe(d.Seconds())
}

func label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
