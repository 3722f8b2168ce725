package detection

import (
	"fmt"
	"math"
)

// Liquidity flags sudden relative changes in reported pool liquidity.
type Liquidity struct {
	Threshold float64
}

// Rule implements Detector.
func (l Liquidity) Rule() Rule { return RuleLiquidity }

// Detect implements Detector. The buffer must already contain in.Price.
func (l Liquidity) Detect(in Input) *Candidate {
	if in.Buffer == nil {
		return nil
	}
	recent := in.Buffer.Recent(2)
	if len(recent) < 2 {
		return nil
	}
	prev, cur := recent[0].Liquidity, recent[1].Liquidity
	if prev == nil || cur == nil || *prev == 0 {
		return nil
	}

	change := math.Abs(*cur-*prev) / *prev
	if change < l.Threshold {
		return nil
	}

	confidence := math.Min(change*2, 1)
	return &Candidate{
		Type:       TypeLiquidityManipulation,
		Severity:   liquiditySeverity.classify(change),
		Confidence: confidence,
		Evidence: []Evidence{{
			Type:        EvidenceLiquidity,
			Description: fmt.Sprintf("liquidity moved %.1f%% (%.6g -> %.6g)", change*100, *prev, *cur),
			Confidence:  confidence,
			Data: LiquidityEvidence{
				Previous: *prev,
				Current:  *cur,
				Change:   change,
			},
		}},
	}
}
