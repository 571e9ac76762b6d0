package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetQueueSize(t *testing.T) {
	SetQueueSize("metrics-test", 3, 2, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(QueueSize.WithLabelValues("metrics-test", "pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueSize.WithLabelValues("metrics-test", "processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueSize.WithLabelValues("metrics-test", "dead_letter")))
}

func TestObserveQueueOperation(t *testing.T) {
	before := testutil.ToFloat64(QueueOperationsTotal.WithLabelValues("metrics-test", "enqueue", "success"))
	ObserveQueueOperation("metrics-test", "enqueue", "success", 2*time.Millisecond)
	after := testutil.ToFloat64(QueueOperationsTotal.WithLabelValues("metrics-test", "enqueue", "success"))

	assert.Equal(t, before+1, after)
}

func TestSetControllerParameters(t *testing.T) {
	SetControllerParameters(90*time.Millisecond, 12, 6, 0.2)

	assert.InDelta(t, 0.09, testutil.ToFloat64(ControllerParameter.WithLabelValues("processing_window")), 1e-9)
	assert.Equal(t, 12.0, testutil.ToFloat64(ControllerParameter.WithLabelValues("batch_size")))
	assert.Equal(t, 6.0, testutil.ToFloat64(ControllerParameter.WithLabelValues("concurrent_limit")))
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "success", StatusLabel(nil))
	assert.Equal(t, "error", StatusLabel(errors.New("boom")))
}
