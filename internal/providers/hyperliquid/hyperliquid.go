// Package hyperliquid implements the provider contract against the
// Hyperliquid info endpoint. Everything is a POST to /info with a typed
// request body; perps settle in USDC against the native clearinghouse, so
// every market is reported as NATIVE.
package hyperliquid

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
	restBase   = "https://api.hyperliquid.xyz"
	streamBase = "wss://api.hyperliquid.xyz/ws"
)

// Provider is the Hyperliquid adapter.
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

// New builds the Hyperliquid provider on the shared rate limiter.
func New(limiter *ratelimit.Limiter, opts ...Option) *Provider {
	p := &Provider{restURL: restBase, wsURL: streamBase}
	for _, opt := range opts {
		opt(p)
	}
	p.rest = providers.NewRESTClient(domain.ExchangeHyperliquid, providers.RESTConfig{BaseURL: p.restURL}, limiter)
	return p
}

func (p *Provider) Name() string { return domain.ExchangeHyperliquid }

func (p *Provider) ListMarkets(string) []domain.MarketType {
	return []domain.MarketType{domain.MarketNative}
}

type metaUniverse struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type assetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"` // base tokens
	MarkPx       string `json:"markPx"`
	DayNtlVlm    string `json:"dayNtlVlm"` // notional USD
}

// Snapshot asks for metaAndAssetCtxs and picks the requested coin out of the
// universe. The response is a two-element array: metadata first, then one
// asset context per listed coin in universe order.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	base := domain.NormalizeSymbol(symbol)
	now := time.Now().UTC()

	var raw []json.RawMessage
	err := p.rest.PostJSON(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"}, &raw)
	if err != nil {
		return providers.BuildResult(domain.ExchangeHyperliquid, nil,
			[]error{domain.NewVenueError(domain.ExchangeHyperliquid, err)}), nil
	}
	row, err := pickAsset(raw, base, now)
	if err != nil {
		return providers.BuildResult(domain.ExchangeHyperliquid, nil,
			[]error{domain.NewVenueError(domain.ExchangeHyperliquid, err)}), nil
	}
	return providers.BuildResult(domain.ExchangeHyperliquid, []domain.MarketOI{*row}, nil), nil
}

func pickAsset(raw []json.RawMessage, base string, now time.Time) (*domain.MarketOI, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: metaAndAssetCtxs shape", domain.ErrMalformedResponse)
	}
	var meta metaUniverse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, fmt.Errorf("%w: meta decode: %v", domain.ErrMalformedResponse, err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("%w: assetCtxs decode: %v", domain.ErrMalformedResponse, err)
	}

	idx := -1
	for i, u := range meta.Universe {
		if domain.NormalizeSymbol(u.Name) == base {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(ctxs) {
		return nil, fmt.Errorf("%w: hyperliquid %s", domain.ErrUnknownSymbol, base)
	}
	c := ctxs[idx]

	tokens, err := parseFloat("openInterest", c.OpenInterest)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat("markPx", c.MarkPx)
	if err != nil {
		return nil, err
	}
	funding, err := parseFloat("funding", c.Funding)
	if err != nil {
		return nil, err
	}
	ntl, err := parseFloat("dayNtlVlm", c.DayNtlVlm)
	if err != nil {
		return nil, err
	}
	volTokens := 0.0
	if price > 0 {
		volTokens = ntl / price
	}

	return &domain.MarketOI{
		Exchange:        domain.ExchangeHyperliquid,
		Symbol:          base,
		Market:          domain.MarketNative,
		OITokens:        tokens,
		OIUSD:           tokens * price,
		Price:           price,
		FundingRate:     funding,
		Volume24hTokens: volTokens,
		CapturedAt:      now,
	}, nil
}

type candleRow struct {
	TsOpen int64  `json:"t"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

// FetchCandles posts a candleSnapshot request. Hyperliquid serves oldest
// first already.
func (p *Provider) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	base := domain.NormalizeSymbol(symbol)
	end := time.Now().UnixMilli()
	start := end - int64(limit)*intervalMs(interval)

	req := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      base,
			"interval":  interval,
			"startTime": start,
			"endTime":   end,
		},
	}
	var raw []candleRow
	if err := p.rest.PostJSON(ctx, "/info", req, &raw); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		c := domain.Candle{TsOpen: time.UnixMilli(k.TsOpen).UTC()}
		for _, f := range []struct {
			name string
			src  string
			dst  *float64
		}{
			{"o", k.Open, &c.Open}, {"h", k.High, &c.High},
			{"l", k.Low, &c.Low}, {"c", k.Close, &c.Close},
			{"v", k.Volume, &c.Volume},
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

func intervalMs(interval string) int64 {
	switch interval {
	case "1m":
		return 60_000
	case "15m":
		return 900_000
	case "1h":
		return 3_600_000
	case "4h":
		return 14_400_000
	case "1d":
		return 86_400_000
	}
	return 3_600_000
}

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", domain.ErrMalformedResponse, field, s)
	}
	return v, nil
}
