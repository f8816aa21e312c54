package domain

import "strings"

// quote suffixes stripped during normalization, longest first so that
// "USDT" wins over "USD" for inputs like "BTCUSDT".
var quoteSuffixes = []string{"USDT", "USDC", "PERP", "USD", "BUSD"}

// NormalizeSymbol canonicalizes a user-supplied asset identifier to its base
// form: uppercase, separators removed, quote suffixes stripped. The function
// is idempotent: NormalizeSymbol(NormalizeSymbol(x)) == NormalizeSymbol(x).
func NormalizeSymbol(input string) string {
	s := strings.ToUpper(strings.TrimSpace(input))
	for _, sep := range []string{"-", "_", "/", ":"} {
		s = strings.ReplaceAll(s, sep, "")
	}
	for stripped := true; stripped; {
		stripped = false
		for _, suffix := range quoteSuffixes {
			// Never strip the whole symbol: "USDC" stays "USDC".
			if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
				s = strings.TrimSuffix(s, suffix)
				stripped = true
			}
		}
	}
	return s
}

// Exchange identifiers are fixed at compile time; the liquidation record
// stores the numeric form to stay compact.
const (
	ExchangeBinance     = "binance"
	ExchangeBybit       = "bybit"
	ExchangeOKX         = "okx"
	ExchangeGate        = "gate"
	ExchangeBitget      = "bitget"
	ExchangeHyperliquid = "hyperliquid"
)

var exchangeIDs = map[string]uint8{
	ExchangeBinance:     1,
	ExchangeBybit:       2,
	ExchangeOKX:         3,
	ExchangeGate:        4,
	ExchangeBitget:      5,
	ExchangeHyperliquid: 6,
}

var exchangeNames = map[uint8]string{}

func init() {
	for name, id := range exchangeIDs {
		exchangeNames[id] = name
	}
}

// ExchangeID returns the compact numeric identifier for a venue, or 0 when
// the venue is unknown.
func ExchangeID(name string) uint8 {
	return exchangeIDs[strings.ToLower(name)]
}

// ExchangeName is the inverse of ExchangeID.
func ExchangeName(id uint8) string {
	return exchangeNames[id]
}

// SupportedExchanges lists every venue the core ships a provider for, in
// identifier order.
func SupportedExchanges() []string {
	return []string{
		ExchangeBinance, ExchangeBybit, ExchangeOKX,
		ExchangeGate, ExchangeBitget, ExchangeHyperliquid,
	}
}
