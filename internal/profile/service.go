package profile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/providers"
)

// Service computes profiles on demand from provider candles.
type Service struct {
	registry *providers.Registry
	log      zerolog.Logger
}

// NewService wires the calculator to the provider registry.
func NewService(registry *providers.Registry, log zerolog.Logger) *Service {
	return &Service{registry: registry, log: log}
}

// Profile fetches candles and computes the snapshot. When exchange is empty
// the registered venues are tried in order until one serves the symbol.
func (s *Service) Profile(ctx context.Context, symbol, timeframe, exchange string) (*domain.ProfileSnapshot, error) {
	spec, ok := Timeframe(timeframe)
	if !ok {
		return nil, fmt.Errorf("unrecognized timeframe %q", timeframe)
	}

	candidates := s.registry.All()
	if exchange != "" {
		p, ok := s.registry.Get(exchange)
		if !ok {
			return nil, fmt.Errorf("unknown exchange %q", exchange)
		}
		candidates = []providers.Provider{p}
	}

	var lastErr error
	for _, p := range candidates {
		candles, err := p.FetchCandles(ctx, symbol, spec.Interval, spec.Candles)
		if err != nil {
			lastErr = err
			s.log.Debug().Err(err).Str("venue", p.Name()).Str("symbol", symbol).
				Msg("candle fetch failed, trying next venue")
			continue
		}
		return Compute(symbol, timeframe, candles)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no venue served candles for %q", symbol)
	}
	return nil, lastErr
}
