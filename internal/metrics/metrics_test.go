package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"DriverEventsTotal", DriverEventsTotal},
		{"DriverStoreErrorsTotal", DriverStoreErrorsTotal},
		{"DriverDecodeErrorsTotal", DriverDecodeErrorsTotal},
		{"DriverResubscribesTotal", DriverResubscribesTotal},
		{"DriverLastBlock", DriverLastBlock},
		{"ReorgDetectedTotal", ReorgDetectedTotal},
		{"ReorgDepth", ReorgDepth},
		{"ReorgOrphanedBlocksTotal", ReorgOrphanedBlocksTotal},
		{"MonitorChecksTotal", MonitorChecksTotal},
		{"MonitorCheckLatency", MonitorCheckLatency},
		{"MonitorActiveIncidents", MonitorActiveIncidents},
		{"IncidentTransitionsTotal", IncidentTransitionsTotal},
		{"IncidentAPIErrorsTotal", IncidentAPIErrorsTotal},
		{"RetryAttemptsTotal", RetryAttemptsTotal},
		{"RetryExhaustedTotal", RetryExhaustedTotal},
		{"RPCCallsTotal", RPCCallsTotal},
		{"RPCRateLimitWaits", RPCRateLimitWaits},
		{"APIRateLimitedTotal", APIRateLimitedTotal},
		{"AlertsSentTotal", AlertsSentTotal},
		{"AlertsCooldownSkipped", AlertsCooldownSkipped},
		{"DBPoolOpen", DBPoolOpen},
		{"DBPoolInUse", DBPoolInUse},
		{"DBPoolIdle", DBPoolIdle},
		{"DBPoolWaitCount", DBPoolWaitCount},
		{"DBPoolWaitDurationSeconds", DBPoolWaitDurationSeconds},
	}

	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_CounterIncrements(t *testing.T) {
	t.Parallel()

	c := ReorgDetectedTotal.WithLabelValues("metrics_test")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))

	assert.NotPanics(t, func() { DriverEventsTotal.WithLabelValues("l2_header").Inc() })
	assert.NotPanics(t, func() { MonitorChecksTotal.WithLabelValues("l2_head", "healthy").Inc() })
	assert.NotPanics(t, func() { IncidentTransitionsTotal.WithLabelValues("l2_head", "opened", "live").Inc() })
	assert.NotPanics(t, func() { ReorgDepth.Observe(3) })
}
