package detection

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Sandwich flags front-run / victim / back-run swap triples by one attacker.
type Sandwich struct {
	MaxGap             time.Duration
	ProfitThresholdUSD float64
}

// Rule implements Detector.
func (s Sandwich) Rule() Rule { return RuleSandwich }

// Detect implements Detector.
func (s Sandwich) Detect(in Input) *Candidate {
	if len(in.Transactions) < 3 {
		return nil
	}
	maxGap := s.MaxGap
	if maxGap <= 0 {
		maxGap = 60 * time.Second
	}

	txs := append([]TransactionObservation(nil), in.Transactions...)
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})

	var (
		evidence  []Evidence
		hashes    []string
		addresses []string
		notional  float64
	)
	seenTx := make(map[string]struct{})
	seenAddr := make(map[string]struct{})
	addTx := func(h string) {
		if _, ok := seenTx[h]; !ok {
			seenTx[h] = struct{}{}
			hashes = append(hashes, h)
		}
	}
	addAddr := func(a string) {
		if _, ok := seenAddr[a]; !ok && a != "" {
			seenAddr[a] = struct{}{}
			addresses = append(addresses, a)
		}
	}

	for i := 1; i+1 < len(txs); i++ {
		prev, target, next := txs[i-1], txs[i], txs[i+1]
		attacker := strings.ToLower(prev.From)
		victim := strings.ToLower(target.From)
		if attacker == "" || attacker != strings.ToLower(next.From) || attacker == victim {
			continue
		}
		if !IsSwapCall(prev.Input) || !IsSwapCall(target.Input) || !IsSwapCall(next.Input) {
			continue
		}
		if target.Timestamp.Sub(prev.Timestamp) >= maxGap || next.Timestamp.Sub(target.Timestamp) >= maxGap {
			continue
		}

		exposure := weiToUSD(prev.Value) + weiToUSD(next.Value)
		notional += exposure
		evidence = append(evidence, Evidence{
			Type:        EvidenceSandwich,
			Description: fmt.Sprintf("%s wrapped swap %s from %s", attacker, target.Hash, victim),
			Data: SandwichEvidence{
				Attacker:             attacker,
				Victim:               victim,
				FrontRun:             prev.Hash,
				Target:               target.Hash,
				BackRun:              next.Hash,
				AttackerNotionalUSD:  exposure,
				AboveProfitThreshold: s.ProfitThresholdUSD > 0 && exposure > s.ProfitThresholdUSD,
			},
		})
		addTx(prev.Hash)
		addTx(target.Hash)
		addTx(next.Hash)
		addAddr(attacker)
		addAddr(victim)
	}
	if len(evidence) == 0 {
		return nil
	}

	confidence := math.Min(float64(len(evidence))/6, 1)
	for i := range evidence {
		evidence[i].Confidence = confidence
	}

	return &Candidate{
		Type:                   TypeSandwichAttack,
		Severity:               SeverityHigh,
		Confidence:             confidence,
		Evidence:               evidence,
		SuspiciousTransactions: hashes,
		AffectedAddresses:      addresses,
		FinancialImpactUSD:     float64Ptr(notional),
	}
}
