package domain

// Side is the position side that was forcibly closed. LONG means a long
// position was liquidated, i.e. the forced order was a sell.
type Side uint8

const (
	SideLong  Side = 0
	SideShort Side = 1
)

func (s Side) String() string {
	if s == SideLong {
		return "LONG"
	}
	return "SHORT"
}

// LiquidationMeta carries the fixed-point scales needed to decode the
// quantized fields of a CompactLiquidation. Scales are per-symbol and owned
// by the intern table.
type LiquidationMeta struct {
	PriceScale float64 // quantized units per 1.0 of price
	QtyScale   float64 // quantized units per 1.0 of base quantity
}

// CompactLiquidation is the 18-byte normalized liquidation record:
// 8 (ts) + 2 (symbol) + 1 (exchange) + 1 (side) + 4 (price) + 4 (qty).
// The Synthetic bit lives outside the wire layout; it is in-memory only.
type CompactLiquidation struct {
	TsMs       uint64
	SymbolID   uint16
	ExchangeID uint8
	Side       Side
	PriceQ     uint32
	QtyQ       uint32
	Synthetic  bool
}

// Price decodes the fixed-point price using the symbol's metadata.
func (l CompactLiquidation) Price(meta LiquidationMeta) float64 {
	if meta.PriceScale <= 0 {
		return 0
	}
	return float64(l.PriceQ) / meta.PriceScale
}

// Qty decodes the fixed-point base-asset quantity.
func (l CompactLiquidation) Qty(meta LiquidationMeta) float64 {
	if meta.QtyScale <= 0 {
		return 0
	}
	return float64(l.QtyQ) / meta.QtyScale
}

// ValueUSD is computed on read; it is never stored.
func (l CompactLiquidation) ValueUSD(meta LiquidationMeta) float64 {
	return l.Price(meta) * l.Qty(meta)
}

// QuantizePrice encodes a float price into fixed-point form, saturating at
// the uint32 range rather than wrapping.
func QuantizePrice(price float64, meta LiquidationMeta) uint32 {
	return saturate(price * meta.PriceScale)
}

// QuantizeQty encodes a base-asset quantity into fixed-point form.
func QuantizeQty(qty float64, meta LiquidationMeta) uint32 {
	return saturate(qty * meta.QtyScale)
}

func saturate(v float64) uint32 {
	if v <= 0 {
		return 0
	}
	if v >= float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}
