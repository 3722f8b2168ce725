package fetcher

import (
	"context"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const usdcWethPair = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func TestDexPairFetchQuote(t *testing.T) {
	addr := common.HexToAddress(usdcWethPair)
	backend := newFakeBackend()
	// token0 = USDC (6 decimals), token1 = WETH (18 decimals)
	usdc := new(big.Int).Mul(big.NewInt(2_000_000), pow10(6))
	weth := new(big.Int).Mul(big.NewInt(1_000), pow10(18))
	out, err := uniswapV2PairABI.Methods["getReserves"].Outputs.Pack(usdc, weth, uint32(1700000000))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	backend.set(addr, uniswapV2PairABI.Methods["getReserves"].ID, out)

	d := NewDexPair(DexPairOptions{
		Chain: "ethereum",
		Pairs: []PairFeed{{Symbol: "ETH/USD", Address: usdcWethPair, BaseDecimals: 18, QuoteDecimals: 6}},
	}, backend, noopLogger())

	q, err := d.FetchQuote(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("FetchQuote: %v", err)
	}
	if math.Abs(q.Price-2000) > 1e-9 {
		t.Fatalf("price = %v, want 2000", q.Price)
	}
	if q.Liquidity == nil || math.Abs(*q.Liquidity-4_000_000) > 1e-6 {
		t.Fatalf("liquidity = %v", q.Liquidity)
	}
	obs := q.Observation()
	if obs.Source != ProtocolUniswapV2 || obs.Liquidity == nil {
		t.Fatalf("observation = %+v", obs)
	}
	if q.Key().String() != "uniswap_v2:ethereum:ETH/USD" {
		t.Fatalf("key = %s", q.Key())
	}
}

func TestDexPairEmptyReserves(t *testing.T) {
	addr := common.HexToAddress(usdcWethPair)
	backend := newFakeBackend()
	out, err := uniswapV2PairABI.Methods["getReserves"].Outputs.Pack(big.NewInt(0), big.NewInt(0), uint32(0))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	backend.set(addr, uniswapV2PairABI.Methods["getReserves"].ID, out)

	d := NewDexPair(DexPairOptions{Pairs: []PairFeed{{Symbol: "ETH/USD", Address: usdcWethPair, BaseDecimals: 18, QuoteDecimals: 6}}}, backend, noopLogger())
	if _, err := d.FetchQuote(context.Background(), "ETH/USD"); err == nil {
		t.Fatal("empty pool should not produce a price")
	}
}
