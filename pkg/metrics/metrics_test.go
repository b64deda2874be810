package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TransactionFinished("committed")
		m.CommitFailed("secondary")
		m.WALAppended("BEGIN", nil)
		m.SyncFinished("graph", "SYNCED")
		m.SyncRetried()
		m.SetSyncQueueDepth(3)
		m.PoolAcquired("primary")
		m.PoolWasExhausted("primary")
		m.DualWrite("create_entity", "strict", nil, 1.5)
	})
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.TransactionFinished("committed")
	m.TransactionFinished("committed")
	m.WALAppended("COMMIT", errors.New("disk"))
	m.SyncRetried()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transactions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WALAppends.WithLabelValues("COMMIT", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRetries))

	t.Run("double_registration_fails", func(t *testing.T) {
		_, err := New(reg)
		assert.Error(t, err)
	})

	t.Run("handler_serves_metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "fingraph_txn_transactions_total"))
	})
}
