package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/taskflow/internal/observability"
)

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "backpressure_rejected", observability.SanitizeName("backpressure.rejected"))
	assert.Equal(t, "dlq_retry_exhausted", observability.SanitizeName("dlq.retry-exhausted"))
	assert.Equal(t, "_9lives", observability.SanitizeName("9lives"))
}

func TestPrometheus_Counter(t *testing.T) {
	reg := prometheus.NewRegistry()
	hooks := observability.NewPrometheus(reg, nil)

	hooks.IncrementCounter(observability.BackpressureRejected, 1, map[string]string{"reason": "queue_full"})
	hooks.IncrementCounter(observability.BackpressureRejected, 2, map[string]string{"reason": "queue_full"})
	hooks.IncrementCounter(observability.BackpressureRejected, 1, map[string]string{"reason": "user_rate_limit"})

	count, err := testutil.GatherAndCount(reg, "taskflow_backpressure_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)

	var total float64
	for _, m := range mfs[0].GetMetric() {
		total += m.GetCounter().GetValue()
	}
	assert.Equal(t, 4.0, total)
}

func TestPrometheus_GaugeAndMismatchedLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	hooks := observability.NewPrometheus(reg, nil)

	hooks.RecordGauge(observability.DLQSize, 3, nil)
	hooks.RecordGauge(observability.DLQSize, 5, nil)
	// dropped: the gauge was registered without labels
	hooks.RecordGauge(observability.DLQSize, 9, map[string]string{"x": "y"})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Equal(t, "taskflow_dlq_size", mfs[0].GetName())
	assert.Equal(t, 5.0, mfs[0].GetMetric()[0].GetGauge().GetValue())
}

func TestOrNoop(t *testing.T) {
	h := observability.OrNoop(nil)
	assert.IsType(t, observability.Noop{}, h)
	h.IncrementCounter("x", 1, nil)
	h.RecordGauge("x", 1, nil)
}
