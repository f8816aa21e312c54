// Package binance implements the provider contract against the Binance
// futures APIs: fapi for USDT/USDC linear contracts, dapi for coin-margined
// inverse contracts, and the fstream force-order feed for liquidations.
package binance

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
	fapiBase    = "https://fapi.binance.com"
	dapiBase    = "https://dapi.binance.com"
	fstreamBase = "wss://fstream.binance.com"
)

// Inverse contract face values in USD per contract.
var inverseContractUSD = map[string]float64{
	"BTC": 100,
}

const inverseContractUSDDefault = 10

// Provider is the Binance adapter.
type Provider struct {
	fapi    *providers.RESTClient
	dapi    *providers.RESTClient
	fapiURL string
	dapiURL string
	wsBase  string
	health  providers.HealthFunc
	markets []domain.MarketType
}

// Option overrides endpoints, used by tests.
type Option func(*Provider)

// WithBaseURLs points the adapter at alternate REST endpoints.
func WithBaseURLs(fapi, dapi string) Option {
	return func(p *Provider) { p.fapiURL, p.dapiURL = fapi, dapi }
}

// WithStreamURL points the adapter at an alternate websocket endpoint.
func WithStreamURL(url string) Option {
	return func(p *Provider) { p.wsBase = url }
}

// WithHealthFunc wires stream degradation events to the caller.
func WithHealthFunc(f providers.HealthFunc) Option {
	return func(p *Provider) { p.health = f }
}

// New builds the Binance provider on the shared rate limiter.
func New(limiter *ratelimit.Limiter, opts ...Option) *Provider {
	p := &Provider{
		fapiURL: fapiBase,
		dapiURL: dapiBase,
		wsBase:  fstreamBase,
		markets: []domain.MarketType{domain.MarketUSDTLinear, domain.MarketUSDCLinear, domain.MarketUSDInverse},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.fapi = providers.NewRESTClient(domain.ExchangeBinance, providers.RESTConfig{BaseURL: p.fapiURL}, limiter)
	p.dapi = providers.NewRESTClient(domain.ExchangeBinance, providers.RESTConfig{BaseURL: p.dapiURL}, limiter)
	return p
}

func (p *Provider) Name() string { return domain.ExchangeBinance }

// ListMarkets reports the contract families Binance quotes for any major
// base asset. The per-symbol check happens at snapshot time via the API.
func (p *Provider) ListMarkets(string) []domain.MarketType {
	return append([]domain.MarketType(nil), p.markets...)
}

// Snapshot fetches linear USDT, linear USDC, and inverse rows for symbol.
// Each market type fails independently; one surviving row keeps the result
// PARTIAL instead of FAILED.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	base := domain.NormalizeSymbol(symbol)
	now := time.Now().UTC()

	var rows []domain.MarketOI
	var errs []error

	for _, market := range []domain.MarketType{domain.MarketUSDTLinear, domain.MarketUSDCLinear} {
		row, err := p.linearRow(ctx, base, market, now)
		if err != nil {
			errs = append(errs, domain.NewVenueError(domain.ExchangeBinance, err))
			continue
		}
		rows = append(rows, *row)
	}

	row, err := p.inverseRow(ctx, base, now)
	if err != nil {
		errs = append(errs, domain.NewVenueError(domain.ExchangeBinance, err))
	} else {
		rows = append(rows, *row)
	}

	return providers.BuildResult(domain.ExchangeBinance, rows, errs), nil
}

type fapiOpenInterest struct {
	OpenInterest string `json:"openInterest"`
	Symbol       string `json:"symbol"`
	Time         int64  `json:"time"`
}

type fapiPremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
}

type fapiTicker struct {
	Symbol string `json:"symbol"`
	Volume string `json:"volume"`
}

func (p *Provider) linearRow(ctx context.Context, base string, market domain.MarketType, now time.Time) (*domain.MarketOI, error) {
	quote := "USDT"
	if market == domain.MarketUSDCLinear {
		quote = "USDC"
	}
	pair := base + quote

	var oi fapiOpenInterest
	if err := p.fapi.GetJSON(ctx, "/fapi/v1/openInterest?symbol="+pair, &oi); err != nil {
		return nil, err
	}
	var premium fapiPremiumIndex
	if err := p.fapi.GetJSON(ctx, "/fapi/v1/premiumIndex?symbol="+pair, &premium); err != nil {
		return nil, err
	}
	var ticker fapiTicker
	if err := p.fapi.GetJSON(ctx, "/fapi/v1/ticker/24hr?symbol="+pair, &ticker); err != nil {
		return nil, err
	}

	tokens, err := parseFloat("openInterest", oi.OpenInterest)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat("markPrice", premium.MarkPrice)
	if err != nil {
		return nil, err
	}
	funding, err := parseFloat("lastFundingRate", premium.LastFundingRate)
	if err != nil {
		return nil, err
	}
	volume, err := parseFloat("volume", ticker.Volume)
	if err != nil {
		return nil, err
	}

	return &domain.MarketOI{
		Exchange:        domain.ExchangeBinance,
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

// inverseRow converts coin-margined contracts to base tokens and USD using
// the per-asset face value (100 USD for BTC, 10 USD otherwise).
func (p *Provider) inverseRow(ctx context.Context, base string, now time.Time) (*domain.MarketOI, error) {
	pair := base + "USD_PERP"

	var oi fapiOpenInterest
	if err := p.dapi.GetJSON(ctx, "/dapi/v1/openInterest?symbol="+pair, &oi); err != nil {
		return nil, err
	}
	var premiums []fapiPremiumIndex
	if err := p.dapi.GetJSON(ctx, "/dapi/v1/premiumIndex?symbol="+pair, &premiums); err != nil {
		return nil, err
	}
	if len(premiums) == 0 {
		return nil, fmt.Errorf("%w: empty dapi premiumIndex for %s", domain.ErrMalformedResponse, pair)
	}

	contracts, err := parseFloat("openInterest", oi.OpenInterest)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat("markPrice", premiums[0].MarkPrice)
	if err != nil {
		return nil, err
	}
	funding, err := parseFloat("lastFundingRate", premiums[0].LastFundingRate)
	if err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: non-positive inverse mark price", domain.ErrMalformedResponse)
	}

	face := inverseContractUSD[base]
	if face == 0 {
		face = inverseContractUSDDefault
	}
	usd := contracts * face
	tokens := usd / price

	return &domain.MarketOI{
		Exchange:        domain.ExchangeBinance,
		Symbol:          base,
		Market:          domain.MarketUSDInverse,
		OITokens:        tokens,
		OIUSD:           usd,
		Price:           price,
		FundingRate:     funding,
		CapturedAt:      now,
	}, nil
}

// FetchCandles returns fapi klines for the USDT-linear market, oldest first.
func (p *Provider) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	pair := domain.NormalizeSymbol(symbol) + "USDT"
	path := fmt.Sprintf("/fapi/v1/klines?symbol=%s&interval=%s&limit=%d", pair, interval, limit)

	var raw [][]any
	if err := p.fapi.GetJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, fmt.Errorf("%w: short kline row", domain.ErrMalformedResponse)
		}
		openMs, ok := k[0].(float64)
		if !ok {
			return nil, fmt.Errorf("%w: kline open time not numeric", domain.ErrMalformedResponse)
		}
		c := domain.Candle{TsOpen: time.UnixMilli(int64(openMs)).UTC()}
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			s, ok := k[i+1].(string)
			if !ok {
				return nil, fmt.Errorf("%w: kline field %d not a string", domain.ErrMalformedResponse, i+1)
			}
			v, err := parseFloat("kline", s)
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

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", domain.ErrMalformedResponse, field, s)
	}
	return v, nil
}
