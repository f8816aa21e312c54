package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/providers"
)

type liquidationMsg struct {
	Topic string `json:"topic"`
	Data  []struct {
		Ts     int64  `json:"T"`
		Symbol string `json:"s"`
		Side   string `json:"S"` // forced order side; Sell closes a long
		Qty    string `json:"v"`
		Price  string `json:"p"`
	} `json:"data"`
}

// StreamLiquidations subscribes to allLiquidation topics on the public
// linear stream. Bybit shares Binance's convention: a forced Sell means a
// long position was liquidated.
func (p *Provider) StreamLiquidations(ctx context.Context, symbols []string, out chan<- providers.LiquidationEvent) error {
	if len(symbols) == 0 {
		return fmt.Errorf("bybit: no symbols to stream")
	}

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "allLiquidation."+domain.NormalizeSymbol(s)+"USDT")
	}

	cfg := providers.StreamConfig{
		Venue: domain.ExchangeBybit,
		URL:   p.wsURL,
		Subscribe: func(conn *websocket.Conn) error {
			return conn.WriteJSON(map[string]any{"op": "subscribe", "args": args})
		},
		// Bybit expects an application-level ping op, not a ping frame.
		Ping: func(conn *websocket.Conn) error {
			return conn.WriteJSON(map[string]any{"op": "ping"})
		},
		Handle: func(data []byte) error {
			var msg liquidationMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			if !strings.HasPrefix(msg.Topic, "allLiquidation.") {
				return nil
			}
			for _, ev := range msg.Data {
				price, err := parseFloat("p", ev.Price)
				if err != nil {
					return err
				}
				qty, err := parseFloat("v", ev.Qty)
				if err != nil {
					return err
				}
				side := domain.SideShort
				if strings.EqualFold(ev.Side, "Sell") {
					side = domain.SideLong
				}
				ts := uint64(ev.Ts)
				fromExchange := ts > 0
				if !fromExchange {
					ts = uint64(time.Now().UnixMilli())
				}
				select {
				case out <- providers.LiquidationEvent{
					Venue:      domain.ExchangeBybit,
					Symbol:     domain.NormalizeSymbol(ev.Symbol),
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
