package saga

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	h := NewMemoryHistory()
	ok, _ := countedEffect("reserve", "r-1", nil, nil, nil)
	failing, _ := countedEffect("charge", nil, nil, func(context.Context, any) (any, error) {
		return nil, errBoom
	}, nil)
	s := NewSaga("order", chain(ok), h, WithMetrics(m))
	r := NewSaga("refund", chain(ok, failing), h, WithMetrics(m), WithRetrySchedule(nil))

	f, err := s.Run(context.Background(), Payload{"id": "o-1"})
	require.NoError(t, err)
	_, err = waitFuture(t, f)
	require.NoError(t, err)

	f, err = r.Run(context.Background(), Payload{"id": "r-1"})
	require.NoError(t, err)
	_, err = waitFuture(t, f)
	require.Error(t, err)

	h.Seed("order", runningInfo("o-2"), PrecallLog("renamed", 0))
	f, err = s.Run(context.Background(), Payload{"id": "o-2"})
	require.NoError(t, err)
	_, err = waitFuture(t, f)
	require.Error(t, err)

	waitIdle(t, s)
	waitIdle(t, r)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.active.WithLabelValues("order")) == 0 &&
			testutil.ToFloat64(m.active.WithLabelValues("refund")) == 0
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.started.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.done.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.corrupted.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("refund")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.done.WithLabelValues("refund")) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.instanceStarted("order")
	m.instanceExited("order")
	m.sagaDone("order", time.Second)
	m.sagaRollback("order")
	m.sagaCorrupted("order")
}
