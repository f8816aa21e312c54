package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertSeverity orders envelope severities for dedup comparisons.
type AlertSeverity int

const (
	SeverityLow AlertSeverity = iota
	SeverityMed
	SeverityHigh
	SeverityCritical
)

var severityNames = map[AlertSeverity]string{
	SeverityLow:      "LOW",
	SeverityMed:      "MED",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s AlertSeverity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SEVERITY(%d)", int(s))
}

// MarshalText makes severities render as names in JSON payloads.
func (s AlertSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Alert kinds produced by the core.
const (
	AlertKindCascade        = "CASCADE"
	AlertKindCascadeEasing  = "CASCADE_EASING"
	AlertKindLiquidation    = "LIQUIDATION"
	AlertKindOIDiscrepancy  = "OI_DISCREPANCY"
	AlertKindProfileAnomaly = "PROFILE_ANOMALY"
	AlertKindStreamHealth   = "STREAM_HEALTH"
)

// AlertEnvelope is the dispatcher's unit of delivery. Every envelope carries
// both USD and token values; rendering is the consumer's problem.
type AlertEnvelope struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Symbol      string         `json:"symbol"`
	Severity    AlertSeverity  `json:"severity"`
	Ts          time.Time      `json:"ts"`
	ValueUSD    float64        `json:"value_usd"`
	ValueTokens float64        `json:"value_tokens"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewAlertEnvelope stamps an envelope with a fresh ID and timestamp.
func NewAlertEnvelope(kind, symbol string, severity AlertSeverity) *AlertEnvelope {
	return &AlertEnvelope{
		ID:       uuid.New().String(),
		Kind:     kind,
		Symbol:   symbol,
		Severity: severity,
		Ts:       time.Now().UTC(),
	}
}

// DedupKey groups envelopes for suppression. Repeats within the dedup
// window are dropped unless severity strictly increases over the last
// admitted envelope for the key.
func (a *AlertEnvelope) DedupKey() string {
	return a.Kind + "|" + a.Symbol
}

// RateKey groups envelopes for per-consumer rate limiting.
func (a *AlertEnvelope) RateKey() string {
	return a.Symbol + "|" + a.Kind
}
