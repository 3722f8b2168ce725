package fetcher

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthBackend is the subset of ethclient.Client the on-chain fetchers use.
type EthBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// LazyClient dials the RPC endpoint on first use and shares the connection
// between fetchers.
type LazyClient struct {
	url string

	mu     sync.Mutex
	client *ethclient.Client
}

// NewLazyClient returns a backend for url. Nothing is dialled until a call.
func NewLazyClient(url string) *LazyClient {
	return &LazyClient{url: url}
}

func (l *LazyClient) get(ctx context.Context) (*ethclient.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client != nil {
		return l.client, nil
	}
	if l.url == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, l.url)
	if err != nil {
		return nil, err
	}
	l.client = client
	return client, nil
}

// CallContract implements EthBackend.
func (l *LazyClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.CallContract(ctx, msg, blockNumber)
}

// BlockNumber implements EthBackend.
func (l *LazyClient) BlockNumber(ctx context.Context) (uint64, error) {
	c, err := l.get(ctx)
	if err != nil {
		return 0, err
	}
	return c.BlockNumber(ctx)
}

// BlockByNumber implements EthBackend.
func (l *LazyClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.BlockByNumber(ctx, number)
}

// Close releases the connection if one was opened.
func (l *LazyClient) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}

var _ EthBackend = (*LazyClient)(nil)
