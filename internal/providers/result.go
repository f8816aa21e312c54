package providers

import (
	"sort"
	"strings"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// BuildResult folds per-market rows and per-market errors into one
// ExchangeOIResult with the validation semantics the aggregator relies on:
// OK when everything survived, PARTIAL when at least one market succeeded
// and at least one failed, FAILED when nothing usable came back.
func BuildResult(venue string, rows []domain.MarketOI, errs []error) *domain.ExchangeOIResult {
	res := &domain.ExchangeOIResult{Exchange: venue}

	var valid []domain.MarketOI
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			errs = append(errs, domain.NewVenueError(venue, err))
			continue
		}
		valid = append(valid, row)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].OIUSD != valid[j].OIUSD {
			return valid[i].OIUSD > valid[j].OIUSD
		}
		return valid[i].Market.Rank() < valid[j].Market.Rank()
	})

	for _, row := range valid {
		res.TotalUSD += row.OIUSD
		res.TotalTokens += row.OITokens
	}
	res.Markets = valid

	switch {
	case len(valid) > 0 && len(errs) == 0:
		res.Status = domain.ValidationOK
	case len(valid) > 0:
		res.Status = domain.ValidationPartial
	default:
		res.Status = domain.ValidationFailed
	}

	if len(errs) > 0 {
		// The most specific kind wins the summary slot: a confirmed
		// unknown symbol beats a generic network error.
		kinds := make([]string, 0, len(errs))
		res.ErrorKind = domain.Classify(errs[0])
		for _, err := range errs {
			kind := domain.Classify(err)
			if kind == domain.ErrKindUnknownSym || kind == domain.ErrKindMalformed {
				res.ErrorKind = kind
			}
			kinds = append(kinds, string(kind))
		}
		res.Error = strings.Join(dedupeStrings(kinds), ",")
	}
	return res
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// FailedResult is the entry a venue contributes when its whole snapshot
// call errored out.
func FailedResult(venue string, err error) *domain.ExchangeOIResult {
	return &domain.ExchangeOIResult{
		Exchange:  venue,
		Status:    domain.ValidationFailed,
		ErrorKind: domain.Classify(err),
		Error:     err.Error(),
	}
}
