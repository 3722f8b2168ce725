package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeBackend answers contract calls by (address, 4-byte selector).
type fakeBackend struct {
	mu      sync.Mutex
	results map[string][]byte
	calls   map[string]int
	head    uint64
	blocks  map[uint64]*types.Block
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		results: make(map[string][]byte),
		calls:   make(map[string]int),
		blocks:  make(map[uint64]*types.Block),
	}
}

func callKey(addr common.Address, selector []byte) string {
	return fmt.Sprintf("%s:%x", addr.Hex(), selector)
}

func (f *fakeBackend) set(addr common.Address, selector []byte, out []byte) {
	f.results[callKey(addr, selector)] = out
}

func (f *fakeBackend) count(addr common.Address, selector []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callKey(addr, selector)]
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := callKey(*msg.To, msg.Data[:4])
	f.calls[key]++
	out, ok := f.results[key]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeBackend) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	b, ok := f.blocks[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}
