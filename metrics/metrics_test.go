package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/points"
)

func scrape(t *testing.T, r *metrics.Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder_Observer(t *testing.T) {
	r := metrics.NewRecorder()

	// WHEN: the engine reports outcomes
	r.TransactionRecorded(points.Transaction{Type: points.TxEarned, EarningStoreID: "store-a", Points: 50})
	r.TransactionRecorded(points.Transaction{Type: points.TxSpent, RedeemingStoreID: "store-b", Points: -20})
	r.TransactionRecorded(points.Transaction{Type: points.TxAdjusted, Points: -5})
	r.Rejected("insufficient_balance")
	r.DriftRepaired("balance")

	// THEN
	out := scrape(t, r)
	assert.Contains(t, out, `loyalty_points_transactions_total{store_id="store-a",type="earned"} 1`)
	assert.Contains(t, out, `loyalty_points_transactions_total{store_id="store-b",type="spent"} 1`)
	assert.Contains(t, out, `loyalty_points_transactions_total{store_id="none",type="adjusted"} 1`)
	assert.Contains(t, out, `loyalty_points_volume_total{type="spent"} 20`)
	assert.Contains(t, out, `loyalty_points_rejections_total{reason="insufficient_balance"} 1`)
	assert.Contains(t, out, `loyalty_points_drift_repairs_total{kind="balance"} 1`)
}

func TestRecorder_MiddlewareUsesRoutePattern(t *testing.T) {
	r := metrics.NewRecorder()
	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/stores/{storeID}/account", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"store-a", "store-b"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stores/"+id+"/account", nil))
	}

	out := scrape(t, r)
	assert.Contains(t, out, `loyalty_http_requests_total{method="GET",route="/stores/{storeID}/account",status="404"} 2`)
	assert.Contains(t, out, `loyalty_http_request_duration_seconds_count{method="GET",route="/stores/{storeID}/account"} 2`)
}
