package okx

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

type liquidationPush struct {
	Arg struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []struct {
		InstID  string `json:"instId"`
		Details []struct {
			Side  string `json:"side"` // forced order side; sell closes a long
			BkPx  string `json:"bkPx"`
			Sz    string `json:"sz"`
			Ts    string `json:"ts"`
		} `json:"details"`
	} `json:"data"`
}

// StreamLiquidations subscribes to the SWAP liquidation-orders channel and
// filters to the requested base symbols. The channel is venue-wide, so the
// subscription itself carries no symbol list.
func (p *Provider) StreamLiquidations(ctx context.Context, symbols []string, out chan<- providers.LiquidationEvent) error {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[domain.NormalizeSymbol(s)] = true
	}

	cfg := providers.StreamConfig{
		Venue: domain.ExchangeOKX,
		URL:   p.wsURL,
		Subscribe: func(conn *websocket.Conn) error {
			return conn.WriteJSON(map[string]any{
				"op": "subscribe",
				"args": []map[string]string{
					{"channel": "liquidation-orders", "instType": "SWAP"},
				},
			})
		},
		// OKX heartbeat is a literal "ping" text frame.
		Ping: func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, []byte("ping"))
		},
		Handle: func(data []byte) error {
			if string(data) == "pong" {
				return nil
			}
			var msg liquidationPush
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			if msg.Arg.Channel != "liquidation-orders" {
				return nil
			}
			for _, d := range msg.Data {
				base := domain.NormalizeSymbol(strings.SplitN(d.InstID, "-", 2)[0])
				if len(wanted) > 0 && !wanted[base] {
					continue
				}
				for _, det := range d.Details {
					price, err := strconv.ParseFloat(det.BkPx, 64)
					if err != nil {
						continue
					}
					qty, err := strconv.ParseFloat(det.Sz, 64)
					if err != nil {
						continue
					}
					side := domain.SideShort
					if strings.EqualFold(det.Side, "sell") {
						side = domain.SideLong
					}
					ts, _ := strconv.ParseUint(det.Ts, 10, 64)
					fromExchange := ts > 0
					if !fromExchange {
						ts = uint64(time.Now().UnixMilli())
					}
					select {
					case out <- providers.LiquidationEvent{
						Venue:      domain.ExchangeOKX,
						Symbol:     base,
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
			}
			return nil
		},
	}
	return providers.RunStream(ctx, cfg, p.health)
}
