package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMultisigMetricsLabels(t *testing.T) {
	m := Multisig()
	require.Same(t, m, Multisig())

	before := testutil.ToFloat64(m.signatures.WithLabelValues("unknown"))
	m.RecordSignature("  ")
	require.Equal(t, before+1, testutil.ToFloat64(m.signatures.WithLabelValues("unknown")))

	before = testutil.ToFloat64(m.transitions.WithLabelValues("signing", "ready"))
	m.RecordTransition("SIGNING", "READY")
	require.Equal(t, before+1, testutil.ToFloat64(m.transitions.WithLabelValues("signing", "ready")))

	before = testutil.ToFloat64(m.gatewayCalls.WithLabelValues("status", "timeout"))
	m.ObserveGatewayCall("status", context.DeadlineExceeded, time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("status", "timeout")))

	before = testutil.ToFloat64(m.gatewayCalls.WithLabelValues("submit", "error"))
	m.ObserveGatewayCall("submit", errors.New("boom"), time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("submit", "error")))

	before = testutil.ToFloat64(m.httpRequests.WithLabelValues("unmatched", http.MethodGet, "404"))
	m.ObserveHTTP("", http.MethodGet, http.StatusNotFound, time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.httpRequests.WithLabelValues("unmatched", http.MethodGet, "404")))

	sweeps := testutil.ToFloat64(m.sweeps)
	errs := testutil.ToFloat64(m.sweepErrors)
	m.ObserveSweep(time.Second, 2)
	require.Equal(t, sweeps+1, testutil.ToFloat64(m.sweeps))
	require.Equal(t, errs+2, testutil.ToFloat64(m.sweepErrors))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *MultisigMetrics
	m.RecordSignature("accepted")
	m.RecordTransition("a", "b")
	m.ObserveSweep(time.Second, 0)
	m.RecordSubmission("accepted")
	m.ObserveGatewayCall("status", nil, time.Second)
	m.ObserveHTTP("/", http.MethodGet, http.StatusOK, time.Second)
}
