package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/naatiprep/adserve/pkg/ads"
	"github.com/naatiprep/adserve/pkg/analytics"
	"github.com/naatiprep/adserve/pkg/compliance"
	"github.com/naatiprep/adserve/pkg/log"
	"github.com/naatiprep/adserve/pkg/metric"
	"github.com/naatiprep/adserve/pkg/storage"
	"github.com/naatiprep/adserve/pkg/viewability"
)

type testEnv struct {
	server    *Server
	router    http.Handler
	inventory *ads.Store
	analytics *analytics.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := storage.NewMemStore()
	inventory := ads.NewStore(db)
	freq := ads.NewFrequencyCapper(log.NoOp())
	engine := ads.NewEngine(inventory, freq, log.NoOp())
	tracker := analytics.NewTracker(metric.NewMetrics(prometheus.NewRegistry()))

	server := NewServer(db, inventory, engine, tracker, viewability.Config{
		Threshold: 0.5,
		DwellTime: 60 * time.Millisecond,
	}, log.NoOp())
	t.Cleanup(server.Close)

	return &testEnv{
		server:    server,
		router:    server.Router(),
		inventory: inventory,
		analytics: tracker,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func berlinHeaders() map[string]string {
	return map[string]string{
		headerSubject:  "subject-1",
		headerTimezone: "Europe/Berlin",
	}
}

func TestConsentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// Nothing on file yet.
	w := env.do(t, http.MethodGet, "/v1/consent", nil, berlinHeaders())
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/v1/consent",
		compliance.Choice{Analytics: true, Marketing: true, Functional: true}, berlinHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var rec compliance.ConsentRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.True(t, rec.MarketingGranted)
	require.True(t, rec.FunctionalGranted)
	require.Equal(t, compliance.SchemaVersion, rec.SchemaVersion)

	w = env.do(t, http.MethodGet, "/v1/consent", nil, berlinHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/consent/status", nil, berlinHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, true, status["consentRequired"])
	require.Equal(t, true, status["marketingGranted"])
	require.Equal(t, true, status["onFile"])

	w = env.do(t, http.MethodDelete, "/v1/consent", nil, berlinHeaders())
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/consent", nil, berlinHeaders())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestConsentRequiresSubjectHeader(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/consent", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisionNoFill(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/ads/decision?placement=dashboard_banner", nil, berlinHeaders())
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, uint64(1), env.analytics.TotalNoFills.Load())
}

func TestDecisionServesInventory(t *testing.T) {
	env := newTestEnv(t)

	seed := &ads.Unit{
		Name:        "CCL practice pack",
		Placement:   "dashboard_banner",
		CreativeURL: "https://cdn.naatiprep.app/ccl.png",
		CPM:         decimal.NewFromFloat(1.50),
		Active:      true,
	}
	require.NoError(t, env.inventory.Put(seed))

	w := env.do(t, http.MethodGet, "/v1/ads/decision?placement=dashboard_banner", nil, berlinHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var unit ads.Unit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &unit))
	require.Equal(t, seed.ID, unit.ID)
	require.Equal(t, uint64(1), env.analytics.TotalDecisions.Load())
}

func TestDecisionConsentGate(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.inventory.Put(&ads.Unit{
		Name:      "Personalized offer",
		Placement: "dashboard_banner",
		Targeting: map[string]string{"interest": "ccl"},
		Active:    true,
	}))

	// GDPR subject without consent sees no targeted inventory.
	w := env.do(t, http.MethodGet, "/v1/ads/decision?placement=dashboard_banner", nil, berlinHeaders())
	require.Equal(t, http.StatusNoContent, w.Code)

	// Granting marketing consent opens it up.
	w = env.do(t, http.MethodPut, "/v1/consent",
		compliance.Choice{Marketing: true, Functional: true}, berlinHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/ads/decision?placement=dashboard_banner", nil, berlinHeaders())
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDecisionRequiresPlacement(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/ads/decision", nil, berlinHeaders())
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestViewabilityFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/track/observe", map[string]string{
		"elementId": "el-1",
		"adId":      "ad-1",
		"placement": "dashboard_banner",
	}, berlinHeaders())
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodPost, "/v1/track/scroll", map[string]float64{"depth": 55}, berlinHeaders())
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodPost, "/v1/track/visibility", map[string]any{
		"adId":            "ad-1",
		"visibleFraction": 0.8,
	}, berlinHeaders())
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return env.analytics.TotalViewables.Load() == 1
	}, time.Second, 10*time.Millisecond)

	stats, ok := env.analytics.PlacementReport("dashboard_banner")
	require.True(t, ok)
	require.Equal(t, uint64(1), stats.Viewables)
}

func TestViewabilityCancelledByUnobserve(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/v1/track/observe", map[string]string{
		"elementId": "el-1",
		"adId":      "ad-1",
	}, berlinHeaders())
	env.do(t, http.MethodPost, "/v1/track/visibility", map[string]any{
		"adId":            "ad-1",
		"visibleFraction": 0.8,
	}, berlinHeaders())

	w := env.do(t, http.MethodPost, "/v1/track/unobserve", map[string]string{"elementId": "el-1"}, berlinHeaders())
	require.Equal(t, http.StatusAccepted, w.Code)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, uint64(0), env.analytics.TotalViewables.Load())
}

func TestImpressionTracking(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/track/impression", map[string]string{
		"adId":      "ad-1",
		"placement": "dashboard_banner",
	}, berlinHeaders())
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, uint64(1), env.analytics.TotalImpressions.Load())
}

func TestClickRedirect(t *testing.T) {
	env := newTestEnv(t)

	unit := &ads.Unit{
		Name:            "CCL practice pack",
		Placement:       "dashboard_banner",
		ClickThroughURL: "https://naatiprep.app/courses/ccl",
		Active:          true,
	}
	require.NoError(t, env.inventory.Put(unit))

	w := env.do(t, http.MethodGet, "/v1/ads/"+unit.ID+"/click", nil, berlinHeaders())
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, unit.ClickThroughURL, w.Header().Get("Location"))
	require.Equal(t, uint64(1), env.analytics.TotalClicks.Load())

	w = env.do(t, http.MethodGet, "/v1/ads/nope/click", nil, berlinHeaders())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminInventoryCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/admin/ads", &ads.Unit{
		Name:      "Footer promo",
		Placement: "results_footer",
		Active:    true,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var created ads.Unit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = env.do(t, http.MethodGet, "/v1/admin/ads", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []ads.Unit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = env.do(t, http.MethodGet, "/v1/admin/ads/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/admin/ads/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/admin/ads/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
