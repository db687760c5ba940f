package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.PageCreated("customer")
	m.PageCreated("customer")
	m.PageUpdated("invoice")
	m.Tick("complete")
	m.RecordsProcessed("customer", 3)
	m.RecordsProcessed("customer", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesCreated.WithLabelValues("customer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesUpdated.WithLabelValues("invoice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackfillCompleted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BackfillRecords.WithLabelValues("customer")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PageCreated("customer")
		m.Tick("ok")
		m.Event("skipped")
		m.Retry("notion", "429")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Event("processed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stripe_notion_sync_events_total")
}
