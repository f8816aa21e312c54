package domain

import (
	"fmt"
	"math"
	"time"
)

// MarketType classifies how a derivatives contract is quoted.
type MarketType string

const (
	MarketUSDTLinear MarketType = "USDT_LINEAR"
	MarketUSDCLinear MarketType = "USDC_LINEAR"
	MarketUSDInverse MarketType = "USD_INVERSE"
	// MarketNative is DEX-native quoting without a CEX-style suffix
	// (e.g. USDC margining on Hyperliquid).
	MarketNative MarketType = "NATIVE"
)

var marketTypeRank = map[MarketType]int{
	MarketUSDTLinear: 0,
	MarketUSDCLinear: 1,
	MarketUSDInverse: 2,
	MarketNative:     3,
}

// Rank returns the enum position used for deterministic tie-breaking in
// ranked views. Unknown types sort last.
func (m MarketType) Rank() int {
	if r, ok := marketTypeRank[m]; ok {
		return r
	}
	return len(marketTypeRank)
}

// Linear reports whether PnL is quoted in the quote currency.
func (m MarketType) Linear() bool {
	return m == MarketUSDTLinear || m == MarketUSDCLinear || m == MarketNative
}

// ValidationStatus summarizes how much of a venue's data survived validation.
type ValidationStatus string

const (
	ValidationOK      ValidationStatus = "OK"
	ValidationPartial ValidationStatus = "PARTIAL"
	ValidationFailed  ValidationStatus = "FAILED"
)

// MarketOI is one open-interest row for (exchange, symbol, market-type).
type MarketOI struct {
	Exchange        string     `json:"exchange"`
	Symbol          string     `json:"symbol"`
	Market          MarketType `json:"market_type"`
	OITokens        float64    `json:"oi_tokens"`
	OIUSD           float64    `json:"oi_usd"`
	Price           float64    `json:"price"`
	FundingRate     float64    `json:"funding_rate"`
	Volume24hTokens float64    `json:"volume_24h_tokens"`
	CapturedAt      time.Time  `json:"captured_at"`
}

// Validate rejects rows a provider must never emit: NaN fields, negative
// open interest, non-positive prices, and linear rows whose USD value
// disagrees with tokens*price by more than 1%.
func (m *MarketOI) Validate() error {
	for name, v := range map[string]float64{
		"oi_tokens": m.OITokens, "oi_usd": m.OIUSD,
		"price": m.Price, "funding_rate": m.FundingRate,
		"volume_24h_tokens": m.Volume24hTokens,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrMalformedResponse, name)
		}
	}
	if m.OITokens < 0 || m.OIUSD < 0 || m.Volume24hTokens < 0 {
		return fmt.Errorf("%w: negative open interest or volume", ErrMalformedResponse)
	}
	if m.Price <= 0 {
		return fmt.Errorf("%w: non-positive price %.8f", ErrMalformedResponse, m.Price)
	}
	if m.Market.Linear() {
		diff := math.Abs(m.OIUSD - m.OITokens*m.Price)
		if diff/math.Max(m.OIUSD, 1) >= 0.01 {
			return fmt.Errorf("%w: linear oi_usd %.2f inconsistent with tokens*price %.2f",
				ErrMalformedResponse, m.OIUSD, m.OITokens*m.Price)
		}
	}
	return nil
}

// ExchangeOIResult aggregates one exchange's markets for one symbol.
// Markets are ordered by decreasing OIUSD.
type ExchangeOIResult struct {
	Exchange    string           `json:"exchange"`
	Markets     []MarketOI       `json:"markets"`
	TotalUSD    float64          `json:"total_usd"`
	TotalTokens float64          `json:"total_tokens"`
	Status      ValidationStatus `json:"validation_status"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// DiscrepancyFlag kinds emitted by the aggregator. Informational only.
const (
	FlagExchangeDominance = "EXCHANGE_DOMINANCE"
	FlagCrossExchangeSkew = "CROSS_EXCHANGE_SKEW"
)

// DiscrepancyFlag marks a structural oddity in a snapshot.
type DiscrepancyFlag struct {
	Kind      string   `json:"kind"`
	Exchanges []string `json:"exchanges"`
	SharePct  float64  `json:"share_pct,omitempty"`
	Detail    string   `json:"detail"`
}

// ValidatedOISnapshot is the aggregator's unit of output for one symbol.
// Immutable once returned.
type ValidatedOISnapshot struct {
	Symbol             string             `json:"symbol"`
	Status             ValidationStatus   `json:"validation_status"`
	Exchanges          []ExchangeOIResult `json:"exchanges"`
	TotalUSDTLinearUSD float64            `json:"total_usdt_linear_usd"`
	TotalUSDCLinearUSD float64            `json:"total_usdc_linear_usd"`
	TotalUSDInverseUSD float64            `json:"total_usd_inverse_usd"`
	TotalNativeUSD     float64            `json:"total_native_usd"`
	GrandTotalUSD      float64            `json:"grand_total_usd"`
	ExchangeCount      int                `json:"exchange_count"`
	MarketCount        int                `json:"market_count"`
	TopMarkets         []MarketOI         `json:"top_markets"`
	Discrepancies      []DiscrepancyFlag  `json:"discrepancy_report,omitempty"`
	ErrorSummary       []string           `json:"error_summary,omitempty"`
	CapturedAt         time.Time          `json:"captured_at"`
}
