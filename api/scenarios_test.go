package api

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/points"
)

func (s *testServer) loadScenario(t *testing.T, id string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeAs[map[string]string](t, rec)["status"]
}

func (s *testServer) account(t *testing.T, storeID string) StoreAccountDTO {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/settlement/accounts/"+storeID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeAs[StoreAccountDTO](t, rec)
}

func TestScenario_CrossStoreIsIdempotent(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: the scenario is loaded twice
	assert.Equal(t, "loaded", s.loadScenario(t, "cross-store"))
	assert.Equal(t, "already_loaded", s.loadScenario(t, "cross-store"))

	// THEN: the ledger holds one run of it
	q := url.Values{"phone": {"+15550101"}}
	bal := decodeAs[BalanceDTO](t, s.do(t, http.MethodGet, "/api/points/balance?"+q.Encode(), nil))
	assert.Equal(t, int64(40), bal.AvailablePoints)

	books := s.account(t, "corner-books")
	assert.Equal(t, "0.70", books.AmountOwed)
	assert.Equal(t, string(points.StoreOwesNetwork), books.Direction)

	cafe := s.account(t, "harbor-cafe")
	assert.Equal(t, "0.30", cafe.AmountOwed)
	assert.Equal(t, string(points.NetworkOwesStore), cafe.Direction)

	current := decodeAs[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "cross-store", current.ID)
}

func TestScenario_PremiumRateFreezesValues(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, "loaded", s.loadScenario(t, "premium-rate"))

	premium := s.account(t, "premium-outfitters")
	assert.Equal(t, "0.60", premium.TotalPointsValueIssued)
	assert.Equal(t, "0.80", premium.TotalPointsValueRedeemed)
	assert.Equal(t, "0.20", premium.AmountOwed)
	assert.Equal(t, string(points.NetworkOwesStore), premium.Direction)

	books := s.account(t, "corner-books")
	assert.Equal(t, "0.25", books.TotalPointsValueIssued)
}

func TestScenario_CappedEarn(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, "loaded", s.loadScenario(t, "capped-earn"))

	q := url.Values{"phone": {"+15550303"}}
	hist := decodeAs[HistoryDTO](t, s.do(t, http.MethodGet, "/api/points/history?"+q.Encode(), nil))
	require.Len(t, hist.Transactions, 2)
	assert.Equal(t, int64(6), hist.Transactions[0].Points)
	assert.Equal(t, int64(100), hist.Transactions[1].Points)
	assert.NotEmpty(t, hist.Transactions[1].ExpiresAt)
}

func TestScenario_ListAndUnknown(t *testing.T) {
	s := newTestServer(t)

	list := decodeAs[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.Len(t, list, len(scenarios))

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenario_AllLoadWithoutError(t *testing.T) {
	s := newTestServer(t)
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			assert.Equal(t, "loaded", s.loadScenario(t, sc.ID))
		})
	}
}

func TestScenario_RoutesHiddenWithoutCatalogue(t *testing.T) {
	s := newTestServer(t)
	s.handler.Catalogue = nil
	router := NewRouter(s.handler, RouterOptions{EnableScenarios: true})

	rec := (&testServer{handler: s.handler, router: router}).do(t, http.MethodGet, "/api/scenarios", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
