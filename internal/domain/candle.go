package domain

import (
	"fmt"
	"time"
)

// Candle is one OHLCV bar. Sequences handed to the profile calculator are
// strictly increasing in TsOpen and gapless modulo the stated interval.
type Candle struct {
	TsOpen time.Time `json:"ts_open"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Validate enforces low <= open,close <= high and volume >= 0.
func (c *Candle) Validate() error {
	if c.Low > c.High {
		return fmt.Errorf("%w: candle low %.8f above high %.8f", ErrMalformedResponse, c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("%w: candle open/close outside [low, high]", ErrMalformedResponse)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: negative candle volume", ErrMalformedResponse)
	}
	return nil
}

// TypicalPrice is (high+low+close)/3, the VWAP contribution price.
func (c *Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// ProfileStatus marks whether a snapshot carries usable values.
type ProfileStatus string

const (
	ProfileOK               ProfileStatus = "OK"
	ProfileInsufficientData ProfileStatus = "INSUFFICIENT_DATA"
)

// ProfileSnapshot is the per (symbol, timeframe) output of the profile
// calculator. Volume profile and TPO profile are independent; both are
// reported. Invariant when Status == ProfileOK: VAL <= POC <= VAH.
type ProfileSnapshot struct {
	Symbol    string        `json:"symbol"`
	Timeframe string        `json:"timeframe"`
	Status    ProfileStatus `json:"status"`

	POC          float64 `json:"poc"`
	VAH          float64 `json:"vah"`
	VAL          float64 `json:"val"`
	ValueAreaPct float64 `json:"value_area_pct"`

	TPOPOC          float64 `json:"tpo_poc"`
	TPOVAH          float64 `json:"tpo_vah"`
	TPOVAL          float64 `json:"tpo_val"`
	TPOValueAreaPct float64 `json:"tpo_value_area_pct"`

	SessionVWAP     float64   `json:"session_vwap"`
	CandleCount     int       `json:"candle_count"`
	SessionStartUTC time.Time `json:"session_start_utc"`
}
