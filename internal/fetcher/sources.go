package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-sentinel/internal/consensus"
)

// Sources fans a symbol out to every configured protocol fetcher.
type Sources struct {
	fetchers   []OracleFetcher
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewSources aggregates fetchers. Quotes older than staleAfter are flagged
// stale; zero disables flagging.
func NewSources(fetchers []OracleFetcher, staleAfter time.Duration, logger zerolog.Logger) *Sources {
	return &Sources{
		fetchers:   fetchers,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "sources").Logger(),
	}
}

// Protocols lists the aggregated protocols in configuration order.
func (s *Sources) Protocols() []string {
	out := make([]string, 0, len(s.fetchers))
	for _, f := range s.fetchers {
		out = append(out, f.Protocol())
	}
	return out
}

// FetchQuotes queries every fetcher concurrently. Failing fetchers are logged
// and skipped; an error is returned only when no fetcher produced a quote.
func (s *Sources) FetchQuotes(ctx context.Context, symbol string) ([]Quote, error) {
	type result struct {
		quote Quote
		err   error
	}
	results := make([]result, len(s.fetchers))

	var g errgroup.Group
	for i, f := range s.fetchers {
		g.Go(func() error {
			q, err := f.FetchQuote(ctx, symbol)
			results[i] = result{quote: q, err: err}
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]Quote, 0, len(results))
	var errs []error
	supported := 0
	for i, r := range results {
		if errors.Is(r.err, ErrUnsupportedSymbol) {
			continue
		}
		supported++
		if r.err != nil {
			protocol := s.fetchers[i].Protocol()
			s.logger.Warn().Err(r.err).Str("protocol", protocol).Str("symbol", symbol).Msg("fetch failed")
			errs = append(errs, fmt.Errorf("%s: %w", protocol, r.err))
			continue
		}
		quotes = append(quotes, r.quote)
	}

	if supported == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnsupportedSymbol)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("all sources failed for %s: %w", symbol, errors.Join(errs...))
	}

	prices := make([]consensus.CrossOraclePrice, len(quotes))
	for i := range quotes {
		prices[i] = quotes[i].CrossOraclePrice
	}
	consensus.MarkStale(prices, s.staleAfter, s.now())
	for i := range quotes {
		quotes[i].CrossOraclePrice = prices[i]
	}
	return quotes, nil
}

// FetchPrices implements consensus.PriceSource.
func (s *Sources) FetchPrices(ctx context.Context, symbol string) ([]consensus.CrossOraclePrice, error) {
	quotes, err := s.FetchQuotes(ctx, symbol)
	if err != nil {
		return nil, err
	}
	prices := make([]consensus.CrossOraclePrice, len(quotes))
	for i, q := range quotes {
		prices[i] = q.CrossOraclePrice
	}
	return prices, nil
}

var _ consensus.PriceSource = (*Sources)(nil)
