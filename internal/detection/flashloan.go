package detection

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// weiToUSD approximates a USD value as value/1e18. Real token pricing is left
// to collaborators.
func weiToUSD(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -18).InexactFloat64()
}

// FlashLoan flags batches containing large flash-loan entry calls.
type FlashLoan struct {
	MinAmountUSD float64
}

// Rule implements Detector.
func (f FlashLoan) Rule() Rule { return RuleFlashLoan }

// Detect implements Detector.
func (f FlashLoan) Detect(in Input) *Candidate {
	if f.MinAmountUSD <= 0 {
		return nil
	}

	var (
		hashes    []string
		addresses []string
		total     float64
	)
	seen := make(map[string]struct{})
	for _, tx := range in.Transactions {
		if !IsFlashLoanCall(tx.Input) {
			continue
		}
		usd := weiToUSD(tx.Value)
		if usd < f.MinAmountUSD {
			continue
		}
		total += usd
		hashes = append(hashes, tx.Hash)
		from := strings.ToLower(tx.From)
		if _, ok := seen[from]; !ok && from != "" {
			seen[from] = struct{}{}
			addresses = append(addresses, from)
		}
	}
	if len(hashes) == 0 {
		return nil
	}

	ratio := total / f.MinAmountUSD
	confidence := math.Min(float64(len(hashes))*0.3+ratio*0.1, 1)

	return &Candidate{
		Type:       TypeFlashLoanAttack,
		Severity:   flashLoanSeverity.classify(ratio),
		Confidence: confidence,
		Evidence: []Evidence{{
			Type:        EvidenceFlashLoan,
			Description: fmt.Sprintf("%d flash-loan call(s) moving ~$%.0f (threshold $%.0f)", len(hashes), total, f.MinAmountUSD),
			Confidence:  confidence,
			Data: FlashLoanEvidence{
				Matches:       len(hashes),
				TotalValueUSD: total,
				ThresholdUSD:  f.MinAmountUSD,
				Transactions:  hashes,
			},
		}},
		SuspiciousTransactions: hashes,
		AffectedAddresses:      addresses,
		FinancialImpactUSD:     float64Ptr(total),
	}
}
