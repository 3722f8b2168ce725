package fetcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
)

// Protocol names reported by the built-in fetchers.
const (
	ProtocolChainlink = "chainlink"
	ProtocolPyth      = "pyth"
	ProtocolUniswapV2 = "uniswap_v2"
)

// ErrUnsupportedSymbol is returned by a fetcher that has no feed configured
// for the requested symbol.
var ErrUnsupportedSymbol = errors.New("symbol not configured for this source")

// Quote is one protocol's reading of a symbol. Liquidity is only known to
// sources that quote from pool reserves.
type Quote struct {
	consensus.CrossOraclePrice
	Liquidity *float64
}

// Observation converts the quote into a detection input.
func (q Quote) Observation() detection.PriceObservation {
	return detection.PriceObservation{
		Timestamp: q.Timestamp,
		Price:     q.Price,
		Liquidity: q.Liquidity,
		Source:    q.Protocol,
	}
}

// Key identifies the feed the quote belongs to.
func (q Quote) Key() detection.FeedKey {
	return detection.FeedKey{Protocol: q.Protocol, Chain: q.Chain, Symbol: q.Symbol}
}

// OracleFetcher reads the latest price of a symbol from one protocol.
type OracleFetcher interface {
	Protocol() string
	FetchQuote(ctx context.Context, symbol string) (Quote, error)
}

// TransactionSet groups scanned transactions by the upper-cased symbol
// whose watched contracts they were sent to.
type TransactionSet map[string][]detection.TransactionObservation

// For returns the transactions attributed to symbol.
func (s TransactionSet) For(symbol string) []detection.TransactionObservation {
	return s[strings.ToUpper(strings.TrimSpace(symbol))]
}

// TransactionFetcher lists recent transactions per symbol for pattern
// detection.
type TransactionFetcher interface {
	FetchTransactions(ctx context.Context) (TransactionSet, error)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
