package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/config"
	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/metrics"
	"github.com/derivpulse/derivpulse/internal/oi"
	"github.com/derivpulse/derivpulse/internal/profile"
	"github.com/derivpulse/derivpulse/internal/providers"
)

type stubProvider struct {
	name    string
	rows    []domain.MarketOI
	candles []domain.Candle
	err     error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Snapshot(_ context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return providers.BuildResult(s.name, s.rows, nil), nil
}

func (s *stubProvider) StreamLiquidations(context.Context, []string, chan<- providers.LiquidationEvent) error {
	return domain.ErrStreamingUnsupported
}

func (s *stubProvider) FetchCandles(context.Context, string, string, int) ([]domain.Candle, error) {
	return s.candles, s.err
}

func (s *stubProvider) ListMarkets(string) []domain.MarketType {
	return []domain.MarketType{domain.MarketUSDTLinear}
}

func flatCandles(n int, price, volume float64) []domain.Candle {
	start := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{
			TsOpen: start.Add(time.Duration(i) * time.Hour),
			Open:   price, High: price, Low: price, Close: price,
			Volume: volume,
		}
	}
	return out
}

func newTestServer(t *testing.T, stubs ...providers.Provider) (*Server, *HealthTracker, *config.Store) {
	t.Helper()
	registry := providers.NewRegistry(stubs...)
	store := config.NewStore(zerolog.Nop())
	health := NewHealthTracker(registry.Names())
	srv := NewServer(DefaultServerConfig(),
		oi.New(registry, oi.Config{Deadline: time.Second}, zerolog.Nop()),
		profile.NewService(registry, zerolog.Nop()),
		store, health, metrics.New(), NewAlertHub(zerolog.Nop()), zerolog.Nop())
	return srv, health, store
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	return rec
}

func TestAggregateOIEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{
		name: "binance",
		rows: []domain.MarketOI{{
			Exchange: "binance", Symbol: "BTC", Market: domain.MarketUSDTLinear,
			OITokens: 1000, OIUSD: 50_000_000, Price: 50_000, CapturedAt: time.Now().UTC(),
		}},
	})

	rec := post(t, srv.Handler(), "/aggregate_oi", aggregateOIRequest{Symbol: "BTC"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var snap domain.ValidatedOISnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "BTC", snap.Symbol)
	assert.Equal(t, domain.ValidationOK, snap.Status)
	assert.InDelta(t, 50_000_000, snap.GrandTotalUSD, 1)
}

func TestAggregateOIRejectsBadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{name: "binance"})

	rec := post(t, srv.Handler(), "/aggregate_oi", aggregateOIRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/aggregate_oi", strings.NewReader("{broken")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProfileEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{
		name:    "binance",
		candles: flatCandles(30, 50_000, 100),
	})

	rec := post(t, srv.Handler(), "/profile", profileRequest{Symbol: "BTC", Timeframe: "1h"})
	require.Equal(t, http.StatusOK, rec.Code)

	var snap domain.ProfileSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.InDelta(t, 50_000, snap.POC, 0.5)
}

func TestProfileRejectsUnknownTimeframe(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{name: "binance"})

	rec := post(t, srv.Handler(), "/profile", profileRequest{Symbol: "BTC", Timeframe: "7h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, health, store := newTestServer(t, &stubProvider{name: "binance"}, &stubProvider{name: "bybit"})
	require.NoError(t, store.Apply([]byte(`{"liquidation":{}}`)))
	health.OnStreamHealth("bybit", true, 4)
	health.RecordAggregatorError()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, uint64(1), resp.ConfigGeneration)
	assert.Equal(t, 1, resp.AggErrorsLastMinute)
	require.Len(t, resp.IngestorStatus, 2)
	assert.Equal(t, "binance", resp.IngestorStatus[0].Venue)
	assert.Equal(t, "OK", resp.IngestorStatus[0].Status)
	assert.Equal(t, "DEGRADED", resp.IngestorStatus[1].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{name: "binance"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthTrackerErrorWindow(t *testing.T) {
	tr := NewHealthTracker(nil)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.RecordAggregatorError()
	tr.RecordAggregatorError()
	assert.Equal(t, 2, tr.AggregatorErrorsLastMinute())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, tr.AggregatorErrorsLastMinute(), "stale errors age out")
}

func TestAlertHubBroadcast(t *testing.T) {
	hub := NewAlertHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.handleSubscribe))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alerts"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	env := domain.NewAlertEnvelope(domain.AlertKindLiquidation, "BTC", domain.SeverityHigh)
	env.ValueUSD = 2_000_000
	require.NoError(t, hub.Deliver(context.Background(), env))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got domain.AlertEnvelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "BTC", got.Symbol)
}
