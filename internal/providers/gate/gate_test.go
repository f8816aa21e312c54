package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/net/ratelimit"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/futures/usdt/contracts/BTC_USDT", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"BTC_USDT","quanto_multiplier":"0.0001","funding_rate":"0.0001"}`)
	})
	mux.HandleFunc("/api/v4/futures/usdt/tickers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("contract") != "BTC_USDT" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[{"contract":"BTC_USDT","last":"50000","total_size":"12000000","volume_24h_base":"3000"}]`)
	})
	return httptest.NewServer(mux)
}

func TestSnapshotQuantoSizing(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURL(srv.URL))
	res, err := p.Snapshot(context.Background(), "BTC")
	require.NoError(t, err)
	require.Equal(t, domain.ValidationOK, res.Status)
	require.Len(t, res.Markets, 1)

	// 12M contracts at a 0.0001 BTC multiplier.
	m := res.Markets[0]
	assert.InDelta(t, 1200.0, m.OITokens, 1e-9)
	assert.InDelta(t, 1200*50_000.0, m.OIUSD, 1e-6)
	assert.Equal(t, domain.MarketUSDTLinear, m.Market)
}

func TestSnapshotUnknownContract(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/futures/usdt/contracts/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURL(srv.URL))
	res, err := p.Snapshot(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationFailed, res.Status)
	assert.Equal(t, domain.ErrKindUnknownSym, res.ErrorKind)
}

func TestStreamLiquidationsUnsupported(t *testing.T) {
	p := New(ratelimit.NewLimiter(8))
	err := p.StreamLiquidations(context.Background(), []string{"BTC"}, nil)
	assert.ErrorIs(t, err, domain.ErrStreamingUnsupported)
}

func TestFetchCandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/futures/usdt/candlesticks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		fmt.Fprint(w, `[
			{"t":1700000000,"o":"100","h":"101","l":"99","c":"100.5","v":10},
			{"t":1700003600,"o":"100.5","h":"103","l":"100","c":"102","v":14}
		]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURL(srv.URL))
	candles, err := p.FetchCandles(context.Background(), "BTC", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].TsOpen.Before(candles[1].TsOpen))
	assert.InDelta(t, 102.0, candles[1].Close, 1e-9)
}
