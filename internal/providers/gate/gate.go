// Package gate implements the provider contract against the Gate.io v4
// futures API. Only the USDT perpetual settle currency is covered; Gate has
// no public liquidation feed in this core, so streaming is unsupported.
package gate

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

const restBase = "https://api.gateio.ws"

// Provider is the Gate.io adapter.
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

// New builds the Gate.io provider on the shared rate limiter.
func New(limiter *ratelimit.Limiter, opts ...Option) *Provider {
	p := &Provider{restURL: restBase}
	for _, opt := range opts {
		opt(p)
	}
	p.rest = providers.NewRESTClient(domain.ExchangeGate, providers.RESTConfig{BaseURL: p.restURL}, limiter)
	return p
}

func (p *Provider) Name() string { return domain.ExchangeGate }

func (p *Provider) ListMarkets(string) []domain.MarketType {
	return []domain.MarketType{domain.MarketUSDTLinear}
}

type contractInfo struct {
	Name             string `json:"name"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	FundingRate      string `json:"funding_rate"`
}

type futuresTicker struct {
	Contract     string `json:"contract"`
	Last         string `json:"last"`
	TotalSize    string `json:"total_size"`
	Volume24Base string `json:"volume_24h_base"`
}

// Snapshot fetches the USDT perpetual. Gate reports open interest as a
// contract count; the quanto multiplier converts contracts to base tokens.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	base := domain.NormalizeSymbol(symbol)
	contract := base + "_USDT"
	now := time.Now().UTC()

	var info contractInfo
	if err := p.rest.GetJSON(ctx, "/api/v4/futures/usdt/contracts/"+contract, &info); err != nil {
		return providers.BuildResult(domain.ExchangeGate, nil,
			[]error{domain.NewVenueError(domain.ExchangeGate, err)}), nil
	}
	var tickers []futuresTicker
	if err := p.rest.GetJSON(ctx, "/api/v4/futures/usdt/tickers?contract="+contract, &tickers); err != nil {
		return providers.BuildResult(domain.ExchangeGate, nil,
			[]error{domain.NewVenueError(domain.ExchangeGate, err)}), nil
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("%w: gate %s", domain.ErrUnknownSymbol, contract)
		return providers.BuildResult(domain.ExchangeGate, nil,
			[]error{domain.NewVenueError(domain.ExchangeGate, err)}), nil
	}

	row, err := buildRow(base, info, tickers[0], now)
	if err != nil {
		return providers.BuildResult(domain.ExchangeGate, nil,
			[]error{domain.NewVenueError(domain.ExchangeGate, err)}), nil
	}
	return providers.BuildResult(domain.ExchangeGate, []domain.MarketOI{*row}, nil), nil
}

func buildRow(base string, info contractInfo, t futuresTicker, now time.Time) (*domain.MarketOI, error) {
	multiplier, err := parseFloat("quanto_multiplier", info.QuantoMultiplier)
	if err != nil {
		return nil, err
	}
	funding, err := parseFloat("funding_rate", info.FundingRate)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat("last", t.Last)
	if err != nil {
		return nil, err
	}
	contracts, err := parseFloat("total_size", t.TotalSize)
	if err != nil {
		return nil, err
	}
	volBase, err := parseFloat("volume_24h_base", t.Volume24Base)
	if err != nil {
		return nil, err
	}

	tokens := contracts * multiplier
	return &domain.MarketOI{
		Exchange:        domain.ExchangeGate,
		Symbol:          base,
		Market:          domain.MarketUSDTLinear,
		OITokens:        tokens,
		OIUSD:           tokens * price,
		Price:           price,
		FundingRate:     funding,
		Volume24hTokens: volBase,
		CapturedAt:      now,
	}, nil
}

// StreamLiquidations is unsupported; Gate exposes no public liquidation
// feed this core consumes.
func (p *Provider) StreamLiquidations(context.Context, []string, chan<- providers.LiquidationEvent) error {
	return domain.ErrStreamingUnsupported
}

type candleRow struct {
	Ts     int64  `json:"t"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Close  string `json:"c"`
	Volume int64  `json:"v"` // contracts
}

// FetchCandles returns USDT-perp candlesticks, oldest first.
func (p *Provider) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	contract := domain.NormalizeSymbol(symbol) + "_USDT"
	path := fmt.Sprintf("/api/v4/futures/usdt/candlesticks?contract=%s&interval=%s&limit=%d",
		contract, interval, limit)

	var raw []candleRow
	if err := p.rest.GetJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		c := domain.Candle{TsOpen: time.Unix(k.Ts, 0).UTC(), Volume: float64(k.Volume)}
		for _, f := range []struct {
			name string
			src  string
			dst  *float64
		}{
			{"o", k.Open, &c.Open}, {"h", k.High, &c.High},
			{"l", k.Low, &c.Low}, {"c", k.Close, &c.Close},
		} {
			v, err := parseFloat(f.name, f.src)
			if err != nil {
				return nil, err
			}
			*f.dst = v
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
