// Package bybit implements the provider contract against the Bybit v5
// market API (linear USDT/USDC and inverse categories) and the public
// linear liquidation stream.
package bybit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/net/ratelimit"
	"github.com/derivpulse/derivpulse/internal/providers"
)

const (
	restBase   = "https://api.bybit.com"
	streamBase = "wss://stream.bybit.com/v5/public/linear"
)

// Provider is the Bybit adapter.
type Provider struct {
	rest    *providers.RESTClient
	restURL string
	wsURL   string
	health  providers.HealthFunc
}

// Option overrides endpoints, used by tests.
type Option func(*Provider)

// WithBaseURL points the adapter at an alternate REST endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.restURL = url }
}

// WithStreamURL points the adapter at an alternate websocket endpoint.
func WithStreamURL(url string) Option {
	return func(p *Provider) { p.wsURL = url }
}

// WithHealthFunc wires stream degradation events to the caller.
func WithHealthFunc(f providers.HealthFunc) Option {
	return func(p *Provider) { p.health = f }
}

// New builds the Bybit provider on the shared rate limiter.
func New(limiter *ratelimit.Limiter, opts ...Option) *Provider {
	p := &Provider{restURL: restBase, wsURL: streamBase}
	for _, opt := range opts {
		opt(p)
	}
	p.rest = providers.NewRESTClient(domain.ExchangeBybit, providers.RESTConfig{BaseURL: p.restURL}, limiter)
	return p
}

func (p *Provider) Name() string { return domain.ExchangeBybit }

func (p *Provider) ListMarkets(string) []domain.MarketType {
	return []domain.MarketType{domain.MarketUSDTLinear, domain.MarketUSDCLinear, domain.MarketUSDInverse}
}

type tickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []tickerRow `json:"list"`
	} `json:"result"`
}

type tickerRow struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	FundingRate       string `json:"fundingRate"`
	OpenInterest      string `json:"openInterest"`
	OpenInterestValue string `json:"openInterestValue"`
	Volume24h         string `json:"volume24h"`
}

// Snapshot fetches USDT-linear, USDC-linear, and inverse tickers. Bybit
// inverse open interest is denominated in 1-USD contracts; the USD total is
// the contract count and tokens follow from the price. A populated inverse
// market must therefore never report zero USD.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	base := domain.NormalizeSymbol(symbol)
	now := time.Now().UTC()

	var rows []domain.MarketOI
	var errs []error

	type query struct {
		category string
		pair     string
		market   domain.MarketType
	}
	queries := []query{
		{"linear", base + "USDT", domain.MarketUSDTLinear},
		{"linear", base + "PERP", domain.MarketUSDCLinear},
		{"inverse", base + "USD", domain.MarketUSDInverse},
	}

	for _, q := range queries {
		row, err := p.fetchTicker(ctx, q.category, q.pair, q.market, base, now)
		if err != nil {
			errs = append(errs, domain.NewVenueError(domain.ExchangeBybit, err))
			continue
		}
		rows = append(rows, *row)
	}

	return providers.BuildResult(domain.ExchangeBybit, rows, errs), nil
}

func (p *Provider) fetchTicker(ctx context.Context, category, pair string, market domain.MarketType, base string, now time.Time) (*domain.MarketOI, error) {
	path := fmt.Sprintf("/v5/market/tickers?category=%s&symbol=%s", category, pair)
	var resp tickersResponse
	if err := p.rest.GetJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		if strings.Contains(strings.ToLower(resp.RetMsg), "symbol") {
			return nil, fmt.Errorf("%w: bybit %s %s", domain.ErrUnknownSymbol, category, pair)
		}
		return nil, fmt.Errorf("%w: bybit retCode %d: %s", domain.ErrMalformedResponse, resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("%w: bybit %s %s", domain.ErrUnknownSymbol, category, pair)
	}
	t := resp.Result.List[0]

	price, err := parseFloat("lastPrice", t.LastPrice)
	if err != nil {
		return nil, err
	}
	oi, err := parseFloat("openInterest", t.OpenInterest)
	if err != nil {
		return nil, err
	}
	funding, _ := strconv.ParseFloat(t.FundingRate, 64) // absent on some USDC tickers
	volume, err := parseFloat("volume24h", t.Volume24h)
	if err != nil {
		return nil, err
	}

	row := domain.MarketOI{
		Exchange:        domain.ExchangeBybit,
		Symbol:          base,
		Market:          market,
		Price:           price,
		FundingRate:     funding,
		Volume24hTokens: volume,
		CapturedAt:      now,
	}
	if market == domain.MarketUSDInverse {
		if price <= 0 {
			return nil, fmt.Errorf("%w: bybit inverse price %q", domain.ErrMalformedResponse, t.LastPrice)
		}
		// oi is the 1-USD contract count.
		row.OIUSD = oi
		row.OITokens = oi / price
		// Inverse 24h volume is in contracts too.
		row.Volume24hTokens = volume / price
	} else {
		row.OITokens = oi
		row.OIUSD = oi * price
	}
	return &row, nil
}

type klineResponse struct {
	RetCode int `json:"retCode"`
	Result  struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

// FetchCandles returns linear klines, oldest first (Bybit serves newest
// first; the slice is reversed here).
func (p *Provider) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	pair := domain.NormalizeSymbol(symbol) + "USDT"
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d",
		pair, bybitInterval(interval), limit)

	var resp klineResponse
	if err := p.rest.GetJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("%w: bybit kline retCode %d", domain.ErrMalformedResponse, resp.RetCode)
	}

	candles := make([]domain.Candle, 0, len(resp.Result.List))
	for i := len(resp.Result.List) - 1; i >= 0; i-- {
		k := resp.Result.List[i]
		if len(k) < 6 {
			return nil, fmt.Errorf("%w: short bybit kline row", domain.ErrMalformedResponse)
		}
		startMs, err := strconv.ParseInt(k[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad kline start %q", domain.ErrMalformedResponse, k[0])
		}
		c := domain.Candle{TsOpen: time.UnixMilli(startMs).UTC()}
		for j, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, err := parseFloat("kline", k[j+1])
			if err != nil {
				return nil, err
			}
			*dst = v
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// bybitInterval maps common interval notation to Bybit's minute-based codes.
func bybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	}
	return interval
}

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", domain.ErrMalformedResponse, field, s)
	}
	return v, nil
}
