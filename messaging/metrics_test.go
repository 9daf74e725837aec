package messaging

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("registering twice is not an error", func(t *testing.T) {
		registry := prometheus.NewRegistry()

		first, err := NewMetrics(registry)
		require.NoError(t, err)
		second, err := NewMetrics(registry)
		require.NoError(t, err)

		second.recordEnqueued("x")
		assert.Equal(t, 1.0, testutil.ToFloat64(first.enqueued.WithLabelValues("x")))
	})

	t.Run("a nil Metrics records nothing", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.recordEnqueued("x")
			m.recordSyncBackoff()
			m.setQueues(1, 2)
		})
	})

	t.Run("dispatcher records deliveries and module errors", func(t *testing.T) {
		reg := newTestRegistry(t)
		metrics, err := NewMetrics(prometheus.NewRegistry())
		require.NoError(t, err)

		log := &eventLog{}
		bad := newTestModule("bad", log)
		bad.receive = func(msg *Message) error {
			defer msg.RefDecrement()
			return msg.AddError("bad", "refused")
		}
		d := newTestDispatcher(t, reg, []Module{newTestModule("src", log), bad}, WithMetrics(metrics))

		require.NoError(t, d.Enqueue(MustNewMessage(reg, typeWork, "src", nil)))
		require.NoError(t, d.Enqueue(MustNewMessage(reg, typeWork, "src", nil)))

		require.Eventually(t, func() bool {
			return testutil.ToFloat64(metrics.completed.WithLabelValues(typeWork, "error")) == 2
		}, time.Second, time.Millisecond)

		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.enqueued.WithLabelValues(typeWork)))
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.delivered.WithLabelValues(typeWork)))
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.moduleErrors.WithLabelValues(typeWork, "bad")))
	})
}
