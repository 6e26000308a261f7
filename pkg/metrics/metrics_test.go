package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/api/v1/status", 200, 12*time.Millisecond)
	RecordCall("metrics-test")
}

func TestRecordersUpdateSeries(t *testing.T) {
	SetConnectionState("metrics-test", 2)
	require.Equal(t, 2.0, testutil.ToFloat64(connectionState.WithLabelValues("metrics-test")))

	before := testutil.ToFloat64(reconnects.WithLabelValues("metrics-test"))
	RecordReconnect("metrics-test")
	require.Equal(t, before+1, testutil.ToFloat64(reconnects.WithLabelValues("metrics-test")))

	before = testutil.ToFloat64(outbound.WithLabelValues("text", "ok"))
	RecordOutbound("text", "ok")
	require.Equal(t, before+1, testutil.ToFloat64(outbound.WithLabelValues("text", "ok")))

	RecordInbound("metrics-test", "poll")
	require.GreaterOrEqual(t, testutil.ToFloat64(inbound.WithLabelValues("metrics-test", "poll")), 1.0)

	before = testutil.ToFloat64(droppedEvents.WithLabelValues("metrics-test"))
	RecordDroppedEvent("metrics-test")
	require.Equal(t, before+1, testutil.ToFloat64(droppedEvents.WithLabelValues("metrics-test")))

	RecordTerminalLogout("metrics-test")
	require.GreaterOrEqual(t, testutil.ToFloat64(terminalLogouts.WithLabelValues("metrics-test")), 1.0)
}
