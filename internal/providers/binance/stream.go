package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/providers"
)

// forceOrder is one liquidation event on the fstream combined feed.
type forceOrder struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Order     struct {
			Symbol   string `json:"s"`
			Side     string `json:"S"` // SELL = a long was liquidated
			Qty      string `json:"q"`
			AvgPrice string `json:"ap"`
			TradeTs  int64  `json:"T"`
		} `json:"o"`
	} `json:"data"`
}

// StreamLiquidations consumes the combined @forceOrder streams for the
// requested symbols, normalizing Binance's taker convention: a forced SELL
// closes a long, a forced BUY closes a short.
func (p *Provider) StreamLiquidations(ctx context.Context, symbols []string, out chan<- providers.LiquidationEvent) error {
	if len(symbols) == 0 {
		return fmt.Errorf("binance: no symbols to stream")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pair := strings.ToLower(domain.NormalizeSymbol(s)) + "usdt"
		streams = append(streams, pair+"@forceOrder")
	}
	url := p.wsBase + "/stream?streams=" + strings.Join(streams, "/")

	cfg := providers.StreamConfig{
		Venue: domain.ExchangeBinance,
		URL:   url,
		Handle: func(data []byte) error {
			var msg forceOrder
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			if msg.Data.EventType != "forceOrder" {
				return nil
			}
			o := msg.Data.Order
			price, err := parseFloat("ap", o.AvgPrice)
			if err != nil {
				return err
			}
			qty, err := parseFloat("q", o.Qty)
			if err != nil {
				return err
			}

			side := domain.SideShort
			if strings.EqualFold(o.Side, "SELL") {
				side = domain.SideLong
			}
			ts := uint64(o.TradeTs)
			fromExchange := ts > 0
			if !fromExchange {
				ts = uint64(time.Now().UnixMilli())
			}

			select {
			case out <- providers.LiquidationEvent{
				Venue:      domain.ExchangeBinance,
				Symbol:     domain.NormalizeSymbol(o.Symbol),
				Side:       side,
				Price:      price,
				Qty:        qty,
				TsMs:       ts,
				TsExchange: fromExchange,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	}
	return providers.RunStream(ctx, cfg, p.health)
}
