package alerts

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/cascade"
	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/threshold"
)

// LiquidationMonitor compares every ingested liquidation against the
// symbol's live single-event threshold and enqueues an alert for each
// breach. It plugs into the ingestor as a handler.
type LiquidationMonitor struct {
	engine     *threshold.Engine
	dispatcher *Dispatcher
	log        zerolog.Logger
}

func NewLiquidationMonitor(engine *threshold.Engine, dispatcher *Dispatcher, log zerolog.Logger) *LiquidationMonitor {
	return &LiquidationMonitor{engine: engine, dispatcher: dispatcher, log: log}
}

// OnLiquidation implements the ingestor handler contract.
func (m *LiquidationMonitor) OnLiquidation(rec domain.CompactLiquidation, meta domain.LiquidationMeta, symbol string) {
	valueUSD := rec.ValueUSD(meta)
	th := m.engine.For(symbol)
	if valueUSD < th.LiqSingleUSD {
		return
	}

	env := domain.NewAlertEnvelope(domain.AlertKindLiquidation, symbol, liquidationSeverity(valueUSD, th.LiqSingleUSD))
	env.ValueUSD = valueUSD
	env.ValueTokens = rec.Qty(meta)
	env.Payload = map[string]any{
		"exchange":      domain.ExchangeName(rec.ExchangeID),
		"side":          rec.Side.String(),
		"price":         rec.Price(meta),
		"threshold_usd": th.LiqSingleUSD,
		"tier":          string(th.Tier),
		"session":       th.Session,
	}
	m.dispatcher.Enqueue(env)
}

// liquidationSeverity scales with how far past the threshold the event
// landed: 1x MED, 3x HIGH, 10x CRITICAL.
func liquidationSeverity(valueUSD, thresholdUSD float64) domain.AlertSeverity {
	switch ratio := valueUSD / thresholdUSD; {
	case ratio >= 10:
		return domain.SeverityCritical
	case ratio >= 3:
		return domain.SeverityHigh
	}
	return domain.SeverityMed
}

// FromCascadeSignal converts a detector transition into an envelope.
// Easing and backpressure signals map to low severity; escalations track
// the cascade level.
func FromCascadeSignal(sig cascade.Signal) *domain.AlertEnvelope {
	kind := domain.AlertKindCascade
	severity := domain.SeverityLow
	switch sig.Kind {
	case cascade.KindEscalation:
		severity = cascadeSeverity(sig.Level)
	case cascade.KindEasing:
		kind = domain.AlertKindCascadeEasing
	case cascade.KindBackpressure:
		kind = domain.AlertKindStreamHealth
	}

	env := domain.NewAlertEnvelope(kind, sig.Symbol, severity)
	env.Ts = sig.At
	env.ValueUSD = sig.USDPerSec2s
	env.Payload = map[string]any{
		"signal":           sig.Kind,
		"level":            sig.Level.String(),
		"probability":      sig.Probability,
		"leading_exchange": sig.LeadingExchange,
		"events_per_sec":   sig.EventsPerSec2s,
	}
	return env
}

func cascadeSeverity(level cascade.Level) domain.AlertSeverity {
	switch level {
	case cascade.LevelExtreme:
		return domain.SeverityCritical
	case cascade.LevelCritical:
		return domain.SeverityHigh
	case cascade.LevelAlert:
		return domain.SeverityMed
	}
	return domain.SeverityLow
}

// FromDiscrepancy converts an aggregation flag into an informational
// envelope. Dominance flags carry the offending venue's share.
func FromDiscrepancy(symbol string, flag domain.DiscrepancyFlag) *domain.AlertEnvelope {
	env := domain.NewAlertEnvelope(domain.AlertKindOIDiscrepancy, symbol, domain.SeverityLow)
	env.Payload = map[string]any{
		"flag":      flag.Kind,
		"exchanges": strings.Join(flag.Exchanges, ","),
		"detail":    flag.Detail,
	}
	if flag.SharePct > 0 {
		env.Payload["share_pct"] = flag.SharePct
	}
	return env
}
