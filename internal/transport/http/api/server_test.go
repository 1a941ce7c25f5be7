package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/engine"
	"signalcartel/internal/market"
	"signalcartel/internal/regime"
	"signalcartel/internal/risk"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) RunCycle(ctx context.Context) (engine.CycleReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.CycleReport), args.Error(1)
}

func (m *MockEngine) LastReport() engine.CycleReport {
	return m.Called().Get(0).(engine.CycleReport)
}

func (m *MockEngine) ActiveTriggers() []trigger.Trigger {
	return m.Called().Get(0).([]trigger.Trigger)
}

type fixedRegimes map[string]regime.Classification

func (f fixedRegimes) Snapshot() map[string]regime.Classification { return f }

func serve(t *testing.T, cfg ServerConfig, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "signalcartel_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	cfg := ServerConfig{Engine: new(MockEngine), Gatherer: reg}

	w := serve(t, cfg, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = serve(t, cfg, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "signalcartel_test_total 1")
}

func TestRunCycleConflict(t *testing.T) {
	eng := new(MockEngine)
	eng.On("RunCycle", mock.Anything).Return(engine.CycleReport{}, engine.ErrCycleRunning).Once()
	eng.On("RunCycle", mock.Anything).Return(engine.CycleReport{Cycle: 4}, nil).Once()
	cfg := ServerConfig{Engine: eng}

	w := serve(t, cfg, http.MethodPost, "/api/cycle")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(t, cfg, http.MethodPost, "/api/cycle")
	require.Equal(t, http.StatusOK, w.Code)
	var rep engine.CycleReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.EqualValues(t, 4, rep.Cycle)
	eng.AssertExpectations(t)
}

func TestLastCycleBeforeFirstRun(t *testing.T) {
	eng := new(MockEngine)
	eng.On("LastReport").Return(engine.CycleReport{})
	w := serve(t, ServerConfig{Engine: eng}, http.MethodGet, "/api/cycle")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggersFilteredByInstrument(t *testing.T) {
	eng := new(MockEngine)
	eng.On("ActiveTriggers").Return([]trigger.Trigger{
		{ID: "a", Instrument: "BTCUSDT", Direction: types.Long},
		{ID: "b", Instrument: "ETHUSDT", Direction: types.Short},
	})
	w := serve(t, ServerConfig{Engine: eng}, http.MethodGet, "/api/triggers?instrument=ethusdt")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count    int               `json:"count"`
		Triggers []trigger.Trigger `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "b", body.Triggers[0].ID)
}

func TestRiskResume(t *testing.T) {
	m := risk.NewManager(1000)
	cfg := ServerConfig{Engine: new(MockEngine), Risk: m}
	w := serve(t, cfg, http.MethodGet, "/api/risk")
	require.Equal(t, http.StatusOK, w.Code)
	var st risk.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1000.0, st.Equity)

	w = serve(t, cfg, http.MethodPost, "/api/risk/resume")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegimesAndDisabledRoutes(t *testing.T) {
	cfg := ServerConfig{Engine: new(MockEngine), Regimes: fixedRegimes{"BTCUSDT": {Label: regime.TrendingBull, Confidence: 0.8}}}
	w := serve(t, cfg, http.MethodGet, "/api/regimes")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "BTCUSDT"))

	w = serve(t, cfg, http.MethodGet, "/api/performance")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = serve(t, cfg, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerRequiresEngine(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestInstrumentChart(t *testing.T) {
	hist := make([]market.Candle, 40)
	for i := range hist {
		p := 100 + float64(i)
		hist[i] = market.Candle{OpenTime: int64(i) * 60_000, Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 10}
	}
	provider := market.ProviderFunc(func(_ context.Context, inst string) (market.Snapshot, error) {
		if inst != "BTCUSDT" {
			return market.Snapshot{}, errors.New("unknown instrument")
		}
		return market.NewSnapshot(market.SnapshotInput{Instrument: inst, History: hist, Quality: 1}), nil
	})
	eng := new(MockEngine)
	eng.On("ActiveTriggers").Return([]trigger.Trigger{{
		ID: "abcdef123456", Instrument: "BTCUSDT", Direction: types.Long, EntryPrice: 139,
		Exit: trigger.ExitStrategy{StopLoss: trigger.StopLoss{Price: 130}},
	}})
	cfg := ServerConfig{Engine: eng, Market: provider}

	w := serve(t, cfg, http.MethodGet, "/api/charts/btcusdt")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "stop abcdef12")

	w = serve(t, cfg, http.MethodGet, "/api/charts/ethusdt")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
