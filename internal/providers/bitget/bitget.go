// Package bitget implements the provider contract against the Bitget mix
// (futures) API, covering the UMCBL (USDT-margined) and DMCBL
// (coin-margined) product lines. No public liquidation feed is consumed.
package bitget

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

const restBase = "https://api.bitget.com"

// Provider is the Bitget adapter.
type Provider struct {
	rest    *providers.RESTClient
	restURL string
}

// Option overrides endpoints, used by tests.
type Option func(*Provider)

// WithBaseURL points the adapter at an alternate REST endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.restURL = url }
}

// New builds the Bitget provider on the shared rate limiter.
func New(limiter *ratelimit.Limiter, opts ...Option) *Provider {
	p := &Provider{restURL: restBase}
	for _, opt := range opts {
		opt(p)
	}
	p.rest = providers.NewRESTClient(domain.ExchangeBitget, providers.RESTConfig{BaseURL: p.restURL}, limiter)
	return p
}

func (p *Provider) Name() string { return domain.ExchangeBitget }

func (p *Provider) ListMarkets(string) []domain.MarketType {
	return []domain.MarketType{domain.MarketUSDTLinear, domain.MarketUSDInverse}
}

type mixResponse[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type oiData struct {
	Amount string `json:"amount"` // base tokens
}

type fundData struct {
	FundingRate string `json:"fundingRate"`
}

type tickerData struct {
	Last       string `json:"last"`
	BaseVolume string `json:"baseVolume"`
}

// Snapshot fetches the UMCBL and DMCBL markets. Bitget reports open
// interest in base tokens for both product lines, so the inverse USD value
// is tokens times price after that adjustment.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	base := domain.NormalizeSymbol(symbol)
	now := time.Now().UTC()

	var rows []domain.MarketOI
	var errs []error

	type productLine struct {
		symbol string
		market domain.MarketType
	}
	for _, pl := range []productLine{
		{base + "USDT_UMCBL", domain.MarketUSDTLinear},
		{base + "USD_DMCBL", domain.MarketUSDInverse},
	} {
		row, err := p.fetchProduct(ctx, pl.symbol, pl.market, base, now)
		if err != nil {
			errs = append(errs, domain.NewVenueError(domain.ExchangeBitget, err))
			continue
		}
		rows = append(rows, *row)
	}
	return providers.BuildResult(domain.ExchangeBitget, rows, errs), nil
}

func (p *Provider) fetchProduct(ctx context.Context, product string, market domain.MarketType, base string, now time.Time) (*domain.MarketOI, error) {
	oi, err := getMix[oiData](ctx, p, "/api/mix/v1/market/open-interest?symbol="+product)
	if err != nil {
		return nil, err
	}
	fund, err := getMix[fundData](ctx, p, "/api/mix/v1/market/current-fundRate?symbol="+product)
	if err != nil {
		return nil, err
	}
	ticker, err := getMix[tickerData](ctx, p, "/api/mix/v1/market/ticker?symbol="+product)
	if err != nil {
		return nil, err
	}

	tokens, err := parseFloat("amount", oi.Amount)
	if err != nil {
		return nil, err
	}
	funding, err := parseFloat("fundingRate", fund.FundingRate)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat("last", ticker.Last)
	if err != nil {
		return nil, err
	}
	volume, err := parseFloat("baseVolume", ticker.BaseVolume)
	if err != nil {
		return nil, err
	}

	return &domain.MarketOI{
		Exchange:        domain.ExchangeBitget,
		Symbol:          base,
		Market:          market,
		OITokens:        tokens,
		OIUSD:           tokens * price,
		Price:           price,
		FundingRate:     funding,
		Volume24hTokens: volume,
		CapturedAt:      now,
	}, nil
}

// getMix unwraps the mix API's {code, msg, data} envelope. A non-"00000"
// code mentioning the symbol maps to the unknown-symbol sentinel.
func getMix[T any](ctx context.Context, p *Provider, path string) (T, error) {
	var env mixResponse[T]
	if err := p.rest.GetJSON(ctx, path, &env); err != nil {
		return env.Data, err
	}
	if env.Code != "" && env.Code != "00000" {
		if strings.Contains(strings.ToLower(env.Msg), "symbol") {
			return env.Data, fmt.Errorf("%w: bitget %s", domain.ErrUnknownSymbol, path)
		}
		return env.Data, fmt.Errorf("%w: bitget code %s: %s", domain.ErrMalformedResponse, env.Code, env.Msg)
	}
	return env.Data, nil
}

// StreamLiquidations is unsupported on Bitget in this core.
func (p *Provider) StreamLiquidations(context.Context, []string, chan<- providers.LiquidationEvent) error {
	return domain.ErrStreamingUnsupported
}

// FetchCandles returns UMCBL candles, oldest first. Bitget serves plain
// arrays of strings: [ts, open, high, low, close, baseVol, quoteVol].
func (p *Provider) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	product := domain.NormalizeSymbol(symbol) + "USDT_UMCBL"
	end := time.Now().UnixMilli()
	start := end - int64(limit)*granularityMs(interval)
	path := fmt.Sprintf("/api/mix/v1/market/candles?symbol=%s&granularity=%s&startTime=%d&endTime=%d",
		product, bitgetGranularity(interval), start, end)

	var raw [][]string
	if err := p.rest.GetJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, fmt.Errorf("%w: short bitget candle row", domain.ErrMalformedResponse)
		}
		tsMs, err := strconv.ParseInt(k[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bitget candle ts %q", domain.ErrMalformedResponse, k[0])
		}
		c := domain.Candle{TsOpen: time.UnixMilli(tsMs).UTC()}
		for j, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, err := parseFloat("candle", k[j+1])
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

func bitgetGranularity(interval string) string {
	switch interval {
	case "1m":
		return "60"
	case "15m":
		return "900"
	case "1h":
		return "3600"
	case "4h":
		return "14400"
	case "1d":
		return "86400"
	}
	return interval
}

func granularityMs(interval string) int64 {
	secs, err := strconv.ParseInt(bitgetGranularity(interval), 10, 64)
	if err != nil {
		return 3600_000
	}
	return secs * 1000
}

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", domain.ErrMalformedResponse, field, s)
	}
	return v, nil
}
