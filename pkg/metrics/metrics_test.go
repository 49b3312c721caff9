package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	level, _ := log.ToLevel("debug")
	return New("perps", log.NewTestLogger(level))
}

func TestCounters(t *testing.T) {
	m := newTestMetrics()

	m.RecordOrderPlaced()
	m.RecordOrderPlaced()
	m.RecordOrderCanceled()
	m.RecordOrdersMatched(3)
	m.RecordLiquidation()
	m.RecordFundingUpdate()
	m.RecordReceiptsSettled(2)
	m.RecordNATSPublished()
	m.SetWSClients(5)
	m.SetBucketDepth("usdc-perp", "BTC-PERP", "token_limit_long", 7)
	m.ObserveMatchLatency(150 * time.Microsecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersCanceled))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ordersMatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fundingUpdates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.receiptsSettled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.natsPublished))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.wsClients))
	assert.Equal(t, 7.0, testutil.ToFloat64(
		m.bucketDepth.WithLabelValues("usdc-perp", "BTC-PERP", "token_limit_long")))
}

func TestScrapeEndpoint(t *testing.T) {
	m := newTestMetrics()
	m.RecordOrderPlaced()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "perps_orders_placed_total 1"))
}
