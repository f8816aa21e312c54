package hyperliquid

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/providers"
)

// liquidatorVault is the HLP vault address that takes the other side of
// forced closes. A trade with the vault as counterparty is a liquidation:
// the vault buying means a short got closed, the vault selling means a
// long did.
const liquidatorVault = "0x2e3d94f0562703b25c83308ba2f1df1569f0ac57"

type tradesMsg struct {
	Channel string `json:"channel"`
	Data    []struct {
		Coin  string    `json:"coin"`
		Side  string    `json:"side"` // aggressor side, "B" or "A"
		Px    string    `json:"px"`
		Sz    string    `json:"sz"`
		Time  int64     `json:"time"`
		Users [2]string `json:"users"` // [buyer, seller]
	} `json:"data"`
}

// StreamLiquidations subscribes to per-coin trade feeds and keeps only
// trades where the liquidator vault is a counterparty. Hyperliquid has no
// dedicated liquidation channel; the vault heuristic recovers the side.
func (p *Provider) StreamLiquidations(ctx context.Context, symbols []string, out chan<- providers.LiquidationEvent) error {
	coins := make([]string, 0, len(symbols))
	for _, s := range symbols {
		coins = append(coins, domain.NormalizeSymbol(s))
	}

	cfg := providers.StreamConfig{
		Venue: domain.ExchangeHyperliquid,
		URL:   p.wsURL,
		Subscribe: func(conn *websocket.Conn) error {
			for _, coin := range coins {
				err := conn.WriteJSON(map[string]any{
					"method":       "subscribe",
					"subscription": map[string]string{"type": "trades", "coin": coin},
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
		Ping: func(conn *websocket.Conn) error {
			return conn.WriteJSON(map[string]string{"method": "ping"})
		},
		Handle: func(data []byte) error {
			var msg tradesMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			if msg.Channel != "trades" {
				return nil
			}
			for _, t := range msg.Data {
				var side domain.Side
				switch {
				case strings.EqualFold(t.Users[0], liquidatorVault):
					side = domain.SideShort // vault bought back a short
				case strings.EqualFold(t.Users[1], liquidatorVault):
					side = domain.SideLong // vault sold out a long
				default:
					continue
				}
				price, err := strconv.ParseFloat(t.Px, 64)
				if err != nil {
					continue
				}
				qty, err := strconv.ParseFloat(t.Sz, 64)
				if err != nil {
					continue
				}
				ts := uint64(t.Time)
				fromExchange := ts > 0
				if !fromExchange {
					ts = uint64(time.Now().UnixMilli())
				}
				select {
				case out <- providers.LiquidationEvent{
					Venue:      domain.ExchangeHyperliquid,
					Symbol:     domain.NormalizeSymbol(t.Coin),
					Side:       side,
					Price:      price,
					Qty:        qty,
					TsMs:       ts,
					TsExchange: fromExchange,
				}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	}
	return providers.RunStream(ctx, cfg, p.health)
}
