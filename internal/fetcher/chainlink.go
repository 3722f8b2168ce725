package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-sentinel/internal/consensus"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// Feed maps a symbol to a protocol-specific feed identifier: a contract
// address for on-chain feeds, a price id for Pyth.
type Feed struct {
	Symbol string
	ID     string
}

func feedIndex(feeds []Feed) map[string]string {
	out := make(map[string]string, len(feeds))
	for _, f := range feeds {
		out[strings.ToUpper(strings.TrimSpace(f.Symbol))] = strings.TrimSpace(f.ID)
	}
	return out
}

// ChainlinkOptions parameterise the Chainlink fetcher.
type ChainlinkOptions struct {
	Chain   string
	Feeds   []Feed
	Timeout time.Duration
}

// Chainlink reads AggregatorV3 proxies over Ethereum RPC.
type Chainlink struct {
	opts    ChainlinkOptions
	backend EthBackend
	logger  zerolog.Logger
	feeds   map[string]string

	decimalsMu sync.Mutex
	decimals   map[common.Address]uint8
}

// NewChainlink builds a Chainlink fetcher on top of backend.
func NewChainlink(opts ChainlinkOptions, backend EthBackend, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		backend:  backend,
		logger:   logger.With().Str("component", "chainlink_fetcher").Logger(),
		feeds:    feedIndex(opts.Feeds),
		decimals: make(map[common.Address]uint8),
	}
}

// Protocol implements OracleFetcher.
func (c *Chainlink) Protocol() string { return ProtocolChainlink }

// FetchQuote returns the latest round answer of the symbol's proxy.
func (c *Chainlink) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	addrHex, ok := c.feeds[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, ErrUnsupportedSymbol
	}
	if !common.IsHexAddress(addrHex) {
		return Quote{}, fmt.Errorf("invalid chainlink proxy address %q", addrHex)
	}
	if c.backend == nil {
		return Quote{}, errors.New("ethereum backend not configured")
	}

	ctx, cancel := withTimeout(ctx, c.opts.Timeout)
	defer cancel()

	addr := common.HexToAddress(addrHex)
	dec, err := c.feedDecimals(ctx, addr)
	if err != nil {
		return Quote{}, err
	}

	outputs, err := c.call(ctx, addr, "latestRoundData")
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 5 {
		return Quote{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("chainlink %s returned non-positive answer %s", symbol, answer)
	}

	price := decimal.NewFromBigInt(answer, -int32(dec)).InexactFloat64()
	c.logger.Debug().Str("symbol", symbol).Float64("price", price).Msg("chainlink round read")

	return Quote{CrossOraclePrice: consensus.CrossOraclePrice{
		Protocol:  ProtocolChainlink,
		Chain:     c.opts.Chain,
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
	}}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, addr common.Address) (uint8, error) {
	c.decimalsMu.Lock()
	dec, ok := c.decimals[addr]
	c.decimalsMu.Unlock()
	if ok {
		return dec, nil
	}

	outputs, err := c.call(ctx, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	dec, ok = outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.decimalsMu.Lock()
	c.decimals[addr] = dec
	c.decimalsMu.Unlock()
	return dec, nil
}

func (c *Chainlink) call(ctx context.Context, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, addr.Hex(), err)
	}
	return aggregatorV3ABI.Unpack(method, res)
}

var _ OracleFetcher = (*Chainlink)(nil)
