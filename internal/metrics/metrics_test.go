package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cycleSecondsSampleCount(t *testing.T) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, CycleSeconds.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestRecordCycle(t *testing.T) {
	before := testutil.ToFloat64(CyclesTotal.WithLabelValues("completed"))
	samplesBefore := cycleSecondsSampleCount(t)

	RecordCycle("completed", 1.5)

	assert.Equal(t, before+1, testutil.ToFloat64(CyclesTotal.WithLabelValues("completed")))
	assert.Equal(t, samplesBefore+1, cycleSecondsSampleCount(t))
}

func TestRecordCycleRejected(t *testing.T) {
	before := testutil.ToFloat64(CyclesTotal.WithLabelValues("already_running"))
	samplesBefore := cycleSecondsSampleCount(t)

	RecordCycleRejected()

	assert.Equal(t, before+1, testutil.ToFloat64(CyclesTotal.WithLabelValues("already_running")))
	assert.Equal(t, samplesBefore, cycleSecondsSampleCount(t),
		"a rejection must not contribute a duration sample")
}
