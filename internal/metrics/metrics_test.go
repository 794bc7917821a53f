package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(TicksTotal.WithLabelValues("ok"))
	TicksTotal.WithLabelValues("ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TicksTotal.WithLabelValues("ok")))

	ResolverRequests.WithLabelValues("stub", "ok").Add(2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(ResolverRequests.WithLabelValues("stub", "ok")), 2.0)
}
