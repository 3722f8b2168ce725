package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"oracle-sentinel/internal/detection"
)

// TransactionsOptions parameterise the block scanner.
type TransactionsOptions struct {
	ChainID        int64
	LookbackBlocks uint64
	// Watch maps a symbol to the contracts whose transactions belong to it.
	// Transactions to unwatched contracts are dropped.
	Watch   map[string][]string
	Timeout time.Duration
}

// Transactions scans the most recent blocks for detector input.
type Transactions struct {
	opts    TransactionsOptions
	backend EthBackend
	signer  types.Signer
	// contract address -> symbols
	watch  map[string][]string
	logger zerolog.Logger
}

// NewTransactions builds a block scanner on top of backend.
func NewTransactions(opts TransactionsOptions, backend EthBackend, logger zerolog.Logger) *Transactions {
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = 5
	}
	logger = logger.With().Str("component", "tx_fetcher").Logger()

	watch := make(map[string][]string)
	for symbol, contracts := range opts.Watch {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		for _, a := range contracts {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || slices.Contains(watch[a], symbol) {
				continue
			}
			watch[a] = append(watch[a], symbol)
		}
	}
	if len(watch) == 0 {
		logger.Warn().Msg("no contracts watched; pattern detectors will not receive transactions")
	}
	return &Transactions{
		opts:    opts,
		backend: backend,
		signer:  types.LatestSignerForChainID(big.NewInt(opts.ChainID)),
		watch:   watch,
		logger:  logger,
	}
}

// FetchTransactions returns the watched transactions of the last
// LookbackBlocks blocks grouped by symbol, oldest block first. Gas limit
// stands in for gas used since receipts are not fetched.
func (t *Transactions) FetchTransactions(ctx context.Context) (TransactionSet, error) {
	if t.backend == nil {
		return nil, errors.New("ethereum backend not configured")
	}

	ctx, cancel := withTimeout(ctx, t.opts.Timeout)
	defer cancel()

	head, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	first := uint64(0)
	if head+1 > t.opts.LookbackBlocks {
		first = head + 1 - t.opts.LookbackBlocks
	}

	out := make(TransactionSet)
	if len(t.watch) == 0 {
		return out, nil
	}
	for n := first; n <= head; n++ {
		block, err := t.backend.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", n, err)
		}
		t.collect(out, block)
	}

	t.logger.Debug().Uint64("head", head).Int("symbols", len(out)).Msg("blocks scanned")
	return out, nil
}

func (t *Transactions) collect(out TransactionSet, block *types.Block) {
	at := time.Unix(int64(block.Time()), 0).UTC()
	for _, tx := range block.Transactions() {
		if tx.To() == nil {
			continue
		}
		symbols, ok := t.watch[strings.ToLower(tx.To().Hex())]
		if !ok {
			continue
		}
		obs, err := t.observe(tx, at)
		if err != nil {
			t.logger.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("skipping transaction")
			continue
		}
		for _, symbol := range symbols {
			out[symbol] = append(out[symbol], obs)
		}
	}
}

func (t *Transactions) observe(tx *types.Transaction, at time.Time) (detection.TransactionObservation, error) {
	from, err := types.Sender(t.signer, tx)
	if err != nil {
		return detection.TransactionObservation{}, err
	}
	to := ""
	if tx.To() != nil {
		to = strings.ToLower(tx.To().Hex())
	}
	return detection.TransactionObservation{
		Hash:      tx.Hash().Hex(),
		Timestamp: at,
		From:      strings.ToLower(from.Hex()),
		To:        to,
		Value:     new(big.Int).Set(tx.Value()),
		GasPrice:  new(big.Int).Set(tx.GasPrice()),
		GasUsed:   tx.Gas(),
		Input:     tx.Data(),
	}, nil
}

var _ TransactionFetcher = (*Transactions)(nil)
