package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-sentinel/internal/consensus"
)

const uniswapV2PairABIJSON = `[{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"}]`

var uniswapV2PairABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(uniswapV2PairABIJSON))
	if err != nil {
		panic("failed to parse UniswapV2Pair ABI: " + err.Error())
	}
	uniswapV2PairABI = parsed
}

var two = decimal.NewFromInt(2)

// PairFeed describes a constant-product pool quoting a symbol. The quote
// token is assumed to be USD-denominated.
type PairFeed struct {
	Symbol        string
	Address       string
	BaseDecimals  int32
	QuoteDecimals int32
	BaseIsToken0  bool
}

// DexPairOptions parameterise the pool reserve fetcher.
type DexPairOptions struct {
	Chain   string
	Pairs   []PairFeed
	Timeout time.Duration
}

// DexPair derives spot price and liquidity from UniswapV2-style reserves.
type DexPair struct {
	opts    DexPairOptions
	backend EthBackend
	logger  zerolog.Logger
	pairs   map[string]PairFeed
}

// NewDexPair builds a reserve fetcher on top of backend.
func NewDexPair(opts DexPairOptions, backend EthBackend, logger zerolog.Logger) *DexPair {
	pairs := make(map[string]PairFeed, len(opts.Pairs))
	for _, p := range opts.Pairs {
		pairs[strings.ToUpper(strings.TrimSpace(p.Symbol))] = p
	}
	return &DexPair{
		opts:    opts,
		backend: backend,
		logger:  logger.With().Str("component", "dex_fetcher").Logger(),
		pairs:   pairs,
	}
}

// Protocol implements OracleFetcher.
func (d *DexPair) Protocol() string { return ProtocolUniswapV2 }

// FetchQuote returns quote/base reserves as price and twice the quote
// reserve as pool liquidity.
func (d *DexPair) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	pair, ok := d.pairs[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, ErrUnsupportedSymbol
	}
	if !common.IsHexAddress(pair.Address) {
		return Quote{}, fmt.Errorf("invalid pair address %q", pair.Address)
	}
	if d.backend == nil {
		return Quote{}, errors.New("ethereum backend not configured")
	}

	ctx, cancel := withTimeout(ctx, d.opts.Timeout)
	defer cancel()

	addr := common.HexToAddress(pair.Address)
	payload, err := uniswapV2PairABI.Pack("getReserves")
	if err != nil {
		return Quote{}, err
	}
	res, err := d.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("getReserves on %s: %w", addr.Hex(), err)
	}
	outputs, err := uniswapV2PairABI.Unpack("getReserves", res)
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 3 {
		return Quote{}, errors.New("unexpected getReserves response")
	}
	r0, ok0 := outputs[0].(*big.Int)
	r1, ok1 := outputs[1].(*big.Int)
	ts, okTs := outputs[2].(uint32)
	if !ok0 || !ok1 || !okTs {
		return Quote{}, errors.New("failed to decode getReserves output")
	}

	baseRaw, quoteRaw := r1, r0
	if pair.BaseIsToken0 {
		baseRaw, quoteRaw = r0, r1
	}
	base := decimal.NewFromBigInt(baseRaw, -pair.BaseDecimals)
	quote := decimal.NewFromBigInt(quoteRaw, -pair.QuoteDecimals)
	if !base.IsPositive() || !quote.IsPositive() {
		return Quote{}, fmt.Errorf("pair %s has empty reserves", addr.Hex())
	}

	liquidity := quote.Mul(two).InexactFloat64()
	return Quote{
		CrossOraclePrice: consensus.CrossOraclePrice{
			Protocol:  ProtocolUniswapV2,
			Chain:     d.opts.Chain,
			Symbol:    symbol,
			Price:     quote.Div(base).InexactFloat64(),
			Timestamp: time.Unix(int64(ts), 0).UTC(),
		},
		Liquidity: &liquidity,
	}, nil
}

var _ OracleFetcher = (*DexPair)(nil)
