package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"oracle-sentinel/internal/consensus"
)

type stubFetcher struct {
	protocol string
	price    float64
	at       time.Time
	err      error
}

func (s stubFetcher) Protocol() string { return s.protocol }

func (s stubFetcher) FetchQuote(_ context.Context, symbol string) (Quote, error) {
	if s.err != nil {
		return Quote{}, s.err
	}
	return Quote{CrossOraclePrice: consensus.CrossOraclePrice{
		Protocol: s.protocol, Chain: "ethereum", Symbol: symbol, Price: s.price, Timestamp: s.at,
	}}, nil
}

func TestSourcesSkipsFailures(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSources([]OracleFetcher{
		stubFetcher{protocol: "chainlink", price: 100, at: now.Add(-time.Minute)},
		stubFetcher{protocol: "pyth", err: errors.New("hermes down")},
		stubFetcher{protocol: "uniswap_v2", err: ErrUnsupportedSymbol},
		stubFetcher{protocol: "band", price: 99, at: now.Add(-2 * time.Hour)},
	}, time.Hour, noopLogger())
	s.now = func() time.Time { return now }

	quotes, err := s.FetchQuotes(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("FetchQuotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	if quotes[0].IsStale || quotes[0].Staleness != time.Minute {
		t.Fatalf("chainlink quote = %+v", quotes[0])
	}
	if !quotes[1].IsStale {
		t.Fatal("band quote older than staleAfter should be flagged")
	}

	prices, err := s.FetchPrices(context.Background(), "ETH/USD")
	if err != nil || len(prices) != 2 {
		t.Fatalf("FetchPrices = %v, %v", prices, err)
	}
	if got := s.Protocols(); len(got) != 4 || got[1] != "pyth" {
		t.Fatalf("protocols = %v", got)
	}
}

func TestSourcesAllFailing(t *testing.T) {
	boom := errors.New("rpc down")
	s := NewSources([]OracleFetcher{
		stubFetcher{protocol: "chainlink", err: boom},
		stubFetcher{protocol: "pyth", err: ErrUnsupportedSymbol},
	}, time.Hour, noopLogger())

	if _, err := s.FetchQuotes(context.Background(), "ETH/USD"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want joined fetch error", err)
	}

	s = NewSources([]OracleFetcher{stubFetcher{protocol: "pyth", err: ErrUnsupportedSymbol}}, time.Hour, noopLogger())
	if _, err := s.FetchQuotes(context.Background(), "DOGE/USD"); !errors.Is(err, ErrUnsupportedSymbol) {
		t.Fatalf("err = %v, want ErrUnsupportedSymbol", err)
	}
}
