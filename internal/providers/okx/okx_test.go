package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/net/ratelimit"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/open-interest", func(w http.ResponseWriter, r *http.Request) {
		inst := r.URL.Query().Get("instId")
		if strings.HasPrefix(inst, "DOGE-USD-") {
			fmt.Fprint(w, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
			return
		}
		fmt.Fprintf(w, `{"code":"0","msg":"","data":[{"instId":%q,"oiCcy":"800"}]}`, inst)
	})
	mux.HandleFunc("/api/v5/public/funding-rate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"fundingRate":"0.00015"}]}`)
	})
	mux.HandleFunc("/api/v5/market/ticker", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"last":"50000","volCcy24h":"12000"}]}`)
	})
	return httptest.NewServer(mux)
}

func TestSnapshotBothSwaps(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURL(srv.URL))
	res, err := p.Snapshot(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, domain.ValidationOK, res.Status)
	require.Len(t, res.Markets, 2)

	// oiCcy is base tokens for both linear and inverse, so the USD totals
	// match.
	for _, m := range res.Markets {
		assert.InDelta(t, 800*50_000.0, m.OIUSD, 1e-6)
		assert.InDelta(t, 800.0, m.OITokens, 1e-9)
		assert.Equal(t, "BTC", m.Symbol)
	}
	assert.Equal(t, domain.MarketUSDTLinear, res.Markets[0].Market)
	assert.Equal(t, domain.MarketUSDInverse, res.Markets[1].Market)
}

func TestSnapshotUnknownInstrument(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURL(srv.URL))
	res, err := p.Snapshot(context.Background(), "DOGE")
	require.NoError(t, err)

	assert.Equal(t, domain.ValidationPartial, res.Status)
	assert.Equal(t, domain.ErrKindUnknownSym, res.ErrorKind)
	require.Len(t, res.Markets, 1)
	assert.Equal(t, domain.MarketUSDTLinear, res.Markets[0].Market)
}

func TestFetchCandlesReversesNewestFirst(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/market/candles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1H", r.URL.Query().Get("bar"))
		fmt.Fprint(w, `{"code":"0","msg":"","data":[
			["1700003600000","101","102","100","101.5","12","600000","600000","1"],
			["1700000000000","100","101","99","100.5","10","500000","500000","1"]
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(ratelimit.NewLimiter(8), WithBaseURL(srv.URL))
	candles, err := p.FetchCandles(context.Background(), "BTC", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].TsOpen.Before(candles[1].TsOpen))
	assert.InDelta(t, 100.0, candles[0].Open, 1e-9)
	assert.InDelta(t, 101.5, candles[1].Close, 1e-9)
}
