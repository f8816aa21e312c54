package binance

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

// newTestServer serves both fapi and dapi paths from one endpoint so the
// adapter can point both clients at it.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/openInterest", func(w http.ResponseWriter, r *http.Request) {
		sym := r.URL.Query().Get("symbol")
		if sym == "BTCUSDC" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"openInterest":"1000","symbol":%q,"time":1700000000000}`, sym)
	})
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"symbol":%q,"markPrice":"50000","lastFundingRate":"0.0001"}`,
			r.URL.Query().Get("symbol"))
	})
	mux.HandleFunc("/fapi/v1/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"symbol":%q,"volume":"25000"}`, r.URL.Query().Get("symbol"))
	})
	mux.HandleFunc("/dapi/v1/openInterest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"openInterest":"500000","symbol":%q,"time":1700000000000}`,
			r.URL.Query().Get("symbol"))
	})
	mux.HandleFunc("/dapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"symbol":%q,"markPrice":"50000","lastFundingRate":"0.0002"}]`,
			r.URL.Query().Get("symbol"))
	})
	return httptest.NewServer(mux)
}

func TestSnapshotPartialWhenUSDCMissing(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURLs(srv.URL, srv.URL))
	res, err := p.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	// USDC leg 404s, linear USDT and inverse survive.
	assert.Equal(t, domain.ValidationPartial, res.Status)
	assert.Equal(t, domain.ErrKindUnknownSym, res.ErrorKind)
	require.Len(t, res.Markets, 2)

	usdt := res.Markets[0]
	assert.Equal(t, domain.MarketUSDTLinear, usdt.Market)
	assert.Equal(t, "BTC", usdt.Symbol)
	assert.InDelta(t, 1000*50_000.0, usdt.OIUSD, 1e-6)

	// 500k contracts at the 100-USD BTC face value.
	inverse := res.Markets[1]
	assert.Equal(t, domain.MarketUSDInverse, inverse.Market)
	assert.InDelta(t, 500_000*100.0, inverse.OIUSD, 1e-6)
	assert.InDelta(t, 500_000*100.0/50_000, inverse.OITokens, 1e-9)
}

func TestFetchCandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[
			[1700000000000,"100","101","99","100.5","10",1700003599999,"1005",120,"5","502","0"],
			[1700003600000,"100.5","103","100","102","14",1700007199999,"1420",130,"7","712","0"]
		]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURLs(srv.URL, srv.URL))
	candles, err := p.FetchCandles(context.Background(), "BTC", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.InDelta(t, 103.0, candles[1].High, 1e-9)
	assert.InDelta(t, 14.0, candles[1].Volume, 1e-9)
	assert.True(t, candles[0].TsOpen.Before(candles[1].TsOpen))
}

func TestFetchCandlesMalformed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[1700000000000,"100","not-a-number","99","100.5","10"]]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURLs(srv.URL, srv.URL))
	_, err := p.FetchCandles(context.Background(), "BTC", "1h", 1)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindMalformed, domain.Classify(err))
}
