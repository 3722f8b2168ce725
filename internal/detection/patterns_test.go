package detection

import (
	"math/big"
	"testing"
	"time"
)

func usd(v int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return wei.Mul(wei, big.NewInt(v))
}

func call(sig string) []byte {
	return append(Selector(sig), make([]byte, 64)...)
}

const (
	aaveSimple = "flashLoanSimple(address,address,uint256,bytes,uint16)"
	v2Swap     = "swapExactTokensForTokens(uint256,uint256,address[],address,uint256)"
	transfer   = "transfer(address,uint256)"
)

func TestSelectorMatchesKnownIDs(t *testing.T) {
	// well-known ERC-20 and router method ids
	if got := Selector(transfer); got[0] != 0xa9 || got[1] != 0x05 || got[2] != 0x9c || got[3] != 0xbb {
		t.Fatalf("transfer selector = %x", got)
	}
	if got := Selector(v2Swap); got[0] != 0x38 || got[1] != 0xed || got[2] != 0x17 || got[3] != 0x39 {
		t.Fatalf("swapExactTokensForTokens selector = %x", got)
	}
	if IsSwapCall([]byte{0x38, 0xed}) {
		t.Fatal("short calldata must not match")
	}
	if IsFlashLoanCall(call(transfer)) {
		t.Fatal("transfer is not a flash loan")
	}
}

func TestFlashLoanDetector(t *testing.T) {
	det := FlashLoan{MinAmountUSD: 100_000}
	txs := []TransactionObservation{
		{Hash: "0x1", From: "0xAttacker", Value: usd(300_000), Input: call(aaveSimple), Timestamp: t0},
		{Hash: "0x2", From: "0xother", Value: usd(50_000), Input: call(aaveSimple), Timestamp: t0},
		{Hash: "0x3", From: "0xother", Value: usd(900_000), Input: call(transfer), Timestamp: t0},
	}
	c := det.Detect(Input{Transactions: txs})
	if c == nil {
		t.Fatal("expected flash-loan candidate")
	}
	if c.Severity != SeverityCritical {
		t.Fatalf("severity = %s, want critical (300k > 2x100k)", c.Severity)
	}
	// 1 match * 0.3 + (300k/100k) * 0.1
	if diff := c.Confidence - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence = %v, want 0.6", c.Confidence)
	}
	if len(c.SuspiciousTransactions) != 1 || c.SuspiciousTransactions[0] != "0x1" {
		t.Fatalf("suspicious = %v", c.SuspiciousTransactions)
	}
	if len(c.AffectedAddresses) != 1 || c.AffectedAddresses[0] != "0xattacker" {
		t.Fatalf("affected = %v", c.AffectedAddresses)
	}
}

func TestFlashLoanBelowThreshold(t *testing.T) {
	det := FlashLoan{MinAmountUSD: 100_000}
	txs := []TransactionObservation{{Hash: "0x1", Value: usd(150_000), Input: call(aaveSimple)}}
	c := det.Detect(Input{Transactions: txs})
	if c == nil || c.Severity != SeverityHigh {
		t.Fatalf("150k against 100k should be high, got %+v", c)
	}
	txs[0].Value = usd(99_999)
	if c := det.Detect(Input{Transactions: txs}); c != nil {
		t.Fatalf("below threshold should not flag, got %+v", c)
	}
}

func sandwichTxs(gap time.Duration) []TransactionObservation {
	return []TransactionObservation{
		{Hash: "0xback", From: "0xBOT", Value: usd(2_000), Input: call(v2Swap), Timestamp: t0.Add(2 * gap)},
		{Hash: "0xfront", From: "0xbot", Value: usd(1_000), Input: call(v2Swap), Timestamp: t0},
		{Hash: "0xvictim", From: "0xuser", Input: call(v2Swap), Timestamp: t0.Add(gap)},
	}
}

func TestSandwichDetector(t *testing.T) {
	det := Sandwich{MaxGap: time.Minute, ProfitThresholdUSD: 1_000}
	c := det.Detect(Input{Transactions: sandwichTxs(10 * time.Second)})
	if c == nil {
		t.Fatal("expected sandwich candidate")
	}
	if c.Severity != SeverityHigh {
		t.Fatalf("severity = %s", c.Severity)
	}
	if diff := c.Confidence - 1.0/6; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence = %v, want 1/6", c.Confidence)
	}
	ev, ok := c.Evidence[0].Data.(SandwichEvidence)
	if !ok {
		t.Fatalf("evidence = %T", c.Evidence[0].Data)
	}
	if ev.Attacker != "0xbot" || ev.Victim != "0xuser" || ev.Target != "0xvictim" {
		t.Fatalf("unexpected evidence %+v", ev)
	}
	if !ev.AboveProfitThreshold {
		t.Fatal("3k notional should exceed 1k profit threshold")
	}
}

func TestSandwichRejectsSlowOrSameSender(t *testing.T) {
	det := Sandwich{MaxGap: time.Minute}
	if c := det.Detect(Input{Transactions: sandwichTxs(time.Minute)}); c != nil {
		t.Fatal("60s gap must not count")
	}

	txs := sandwichTxs(time.Second)
	txs[2].From = "0xbot"
	if c := det.Detect(Input{Transactions: txs}); c != nil {
		t.Fatal("victim equal to attacker must not count")
	}

	txs = sandwichTxs(time.Second)
	txs[2].Input = call(transfer)
	if c := det.Detect(Input{Transactions: txs}); c != nil {
		t.Fatal("non-swap target must not count")
	}

	if c := det.Detect(Input{Transactions: sandwichTxs(time.Second)[:2]}); c != nil {
		t.Fatal("fewer than three transactions must not count")
	}
}

func liq(v float64) *float64 { return &v }

func TestLiquidityDetector(t *testing.T) {
	cases := []struct {
		name       string
		prev, cur  *float64
		wantNil    bool
		wantSev    Severity
		wantConfAt float64
	}{
		{name: "large drop", prev: liq(1000), cur: liq(400), wantSev: SeverityHigh, wantConfAt: 1},
		{name: "moderate jump", prev: liq(1000), cur: liq(1350), wantSev: SeverityMedium, wantConfAt: 0.7},
		{name: "below threshold", prev: liq(1000), cur: liq(1200), wantNil: true},
		{name: "zero previous", prev: liq(0), cur: liq(1200), wantNil: true},
		{name: "missing liquidity", prev: nil, cur: liq(1200), wantNil: true},
	}
	det := Liquidity{Threshold: 0.3}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := NewBuffer(5)
			a, b := obsAt(0, 100), obsAt(1, 100)
			a.Liquidity, b.Liquidity = tc.prev, tc.cur
			buf.PushMany(a, b)

			c := det.Detect(Input{Buffer: buf})
			if tc.wantNil {
				if c != nil {
					t.Fatalf("expected nil, got %+v", c)
				}
				return
			}
			if c == nil {
				t.Fatal("expected candidate")
			}
			if c.Severity != tc.wantSev {
				t.Errorf("severity = %s, want %s", c.Severity, tc.wantSev)
			}
			if diff := c.Confidence - tc.wantConfAt; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("confidence = %v, want %v", c.Confidence, tc.wantConfAt)
			}
		})
	}
}

func TestLiquidityNeedsTwoPoints(t *testing.T) {
	buf := NewBuffer(5)
	o := obsAt(0, 100)
	o.Liquidity = liq(10)
	buf.Push(o)
	if c := (Liquidity{Threshold: 0.3}).Detect(Input{Buffer: buf}); c != nil {
		t.Fatal("single point must return nil")
	}
}
