// Package okx implements the provider contract against the OKX v5 public
// API. Both USDT-margined and coin-margined perpetual swaps are covered;
// OKX reports open interest in base currency (oiCcy) for both, which keeps
// the inverse conversion trivial.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/net/ratelimit"
	"github.com/derivpulse/derivpulse/internal/providers"
)

const (
	restBase   = "https://www.okx.com"
	streamBase = "wss://ws.okx.com:8443/ws/v5/public"
)

// Provider is the OKX adapter.
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

// New builds the OKX provider on the shared rate limiter.
func New(limiter *ratelimit.Limiter, opts ...Option) *Provider {
	p := &Provider{restURL: restBase, wsURL: streamBase}
	for _, opt := range opts {
		opt(p)
	}
	p.rest = providers.NewRESTClient(domain.ExchangeOKX, providers.RESTConfig{BaseURL: p.restURL}, limiter)
	return p
}

func (p *Provider) Name() string { return domain.ExchangeOKX }

func (p *Provider) ListMarkets(string) []domain.MarketType {
	return []domain.MarketType{domain.MarketUSDTLinear, domain.MarketUSDInverse}
}

type okxEnvelope struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

type oiRow struct {
	InstID string `json:"instId"`
	OICcy  string `json:"oiCcy"`
}

type fundingRow struct {
	FundingRate string `json:"fundingRate"`
}

type tickerRow struct {
	Last     string `json:"last"`
	VolCcy24 string `json:"volCcy24h"`
}

// Snapshot fetches the USDT swap and the coin-margined swap for one symbol.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	base := domain.NormalizeSymbol(symbol)
	now := time.Now().UTC()

	var rows []domain.MarketOI
	var errs []error

	type inst struct {
		id     string
		market domain.MarketType
	}
	for _, in := range []inst{
		{base + "-USDT-SWAP", domain.MarketUSDTLinear},
		{base + "-USD-SWAP", domain.MarketUSDInverse},
	} {
		row, err := p.fetchInstrument(ctx, in.id, in.market, base, now)
		if err != nil {
			errs = append(errs, domain.NewVenueError(domain.ExchangeOKX, err))
			continue
		}
		rows = append(rows, *row)
	}
	return providers.BuildResult(domain.ExchangeOKX, rows, errs), nil
}

func (p *Provider) fetchInstrument(ctx context.Context, instID string, market domain.MarketType, base string, now time.Time) (*domain.MarketOI, error) {
	var oi oiRow
	if err := p.getFirst(ctx, "/api/v5/public/open-interest?instId="+instID, &oi); err != nil {
		return nil, err
	}
	var funding fundingRow
	if err := p.getFirst(ctx, "/api/v5/public/funding-rate?instId="+instID, &funding); err != nil {
		return nil, err
	}
	var ticker tickerRow
	if err := p.getFirst(ctx, "/api/v5/market/ticker?instId="+instID, &ticker); err != nil {
		return nil, err
	}

	tokens, err := parseFloat("oiCcy", oi.OICcy)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat("last", ticker.Last)
	if err != nil {
		return nil, err
	}
	rate, err := parseFloat("fundingRate", funding.FundingRate)
	if err != nil {
		return nil, err
	}
	volCcy, err := parseFloat("volCcy24h", ticker.VolCcy24)
	if err != nil {
		return nil, err
	}

	return &domain.MarketOI{
		Exchange:        domain.ExchangeOKX,
		Symbol:          base,
		Market:          market,
		OITokens:        tokens,
		OIUSD:           tokens * price,
		Price:           price,
		FundingRate:     rate,
		Volume24hTokens: volCcy,
		CapturedAt:      now,
	}, nil
}

// getFirst unwraps OKX's {code, data:[...]} envelope and decodes the first
// data element into out.
func (p *Provider) getFirst(ctx context.Context, path string, out any) error {
	var env okxEnvelope
	if err := p.rest.GetJSON(ctx, path, &env); err != nil {
		return err
	}
	if env.Code != "0" {
		if env.Code == "51001" { // instrument does not exist
			return fmt.Errorf("%w: okx %s", domain.ErrUnknownSymbol, path)
		}
		return fmt.Errorf("%w: okx code %s: %s", domain.ErrMalformedResponse, env.Code, env.Msg)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: okx empty data for %s", domain.ErrUnknownSymbol, path)
	}
	if err := json.Unmarshal(env.Data[0], out); err != nil {
		return fmt.Errorf("%w: okx data decode: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}

// FetchCandles returns USDT-swap candles, oldest first (OKX serves newest
// first; reversed here).
func (p *Provider) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	instID := domain.NormalizeSymbol(symbol) + "-USDT-SWAP"
	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d", instID, okxBar(interval), limit)

	var env okxEnvelope
	if err := p.rest.GetJSON(ctx, path, &env); err != nil {
		return nil, err
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("%w: okx candles code %s", domain.ErrMalformedResponse, env.Code)
	}

	candles := make([]domain.Candle, 0, len(env.Data))
	for i := len(env.Data) - 1; i >= 0; i-- {
		var k []string
		if err := json.Unmarshal(env.Data[i], &k); err != nil || len(k) < 6 {
			return nil, fmt.Errorf("%w: okx candle row", domain.ErrMalformedResponse)
		}
		tsMs, err := strconv.ParseInt(k[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: okx candle ts %q", domain.ErrMalformedResponse, k[0])
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

// okxBar maps common interval notation to OKX bar codes.
func okxBar(interval string) string {
	switch interval {
	case "1m":
		return "1m"
	case "15m":
		return "15m"
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1Dutc"
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
