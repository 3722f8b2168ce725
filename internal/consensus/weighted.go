package consensus

import (
	"math"
	"sort"
	"time"
)

const (
	defaultSingleConfidence = 0.5
	neutralReliability      = 0.5
)

// Weights supplies the per-protocol factors of the weighted median.
type Weights struct {
	// Reliability is the normalised [0,1] score per protocol; missing
	// protocols get the neutral prior.
	Reliability map[string]float64
	// Custom multiplies a protocol's weight; missing protocols get 1.
	Custom map[string]float64
}

func (w Weights) of(p CrossOraclePrice) float64 {
	confidence := 1.0
	if p.Confidence != nil {
		confidence = *p.Confidence
	}
	reliability := neutralReliability
	if r, ok := w.Reliability[p.Protocol]; ok {
		reliability = r
	}
	custom := 1.0
	if c, ok := w.Custom[p.Protocol]; ok {
		custom = c
	}
	return math.Max(confidence*reliability*custom, 0)
}

// Calculate derives the consensus price of a symbol from collected prices.
// maxDeviationPercent excludes prices that far from the plain median from the
// weighting; zero disables the guard.
func Calculate(symbol string, prices []CrossOraclePrice, weights Weights, maxDeviationPercent float64, now time.Time) PriceConsensus {
	out := PriceConsensus{Symbol: symbol, Timestamp: now, ParticipatingProtocols: []string{}}
	if len(prices) == 0 {
		return out
	}

	if len(prices) == 1 {
		p := prices[0]
		confidence := defaultSingleConfidence
		if p.Confidence != nil {
			confidence = *p.Confidence
		}
		out.ConsensusPrice = p.Price
		out.Method = MethodSingleSource
		out.ConfidenceLevel = confidence
		out.ParticipatingProtocols = []string{p.Protocol}
		out.PriceRange = priceRange(prices, p.Price)
		return out
	}

	sorted := sortByPrice(prices)
	included := withinDeviation(sorted, maxDeviationPercent)

	ws := make([]float64, len(included))
	var total float64
	for i, p := range included {
		ws[i] = weights.of(p)
		total += ws[i]
	}
	confidence := math.Min(total, 1)

	if total == 0 {
		for i := range ws {
			ws[i] = 1
		}
		total = float64(len(ws))
	}

	half := total / 2
	price := included[len(included)-1].Price
	var cum float64
	for i, p := range included {
		cum += ws[i]
		// relative tolerance absorbs float rounding in the sums, so an exact
		// half (e.g. 0.3 of 0.3+0.1+0.2) still counts as reached
		if cum >= half*(1-1e-12) {
			price = p.Price
			break
		}
	}

	out.ConsensusPrice = price
	out.Method = MethodWeightedMedian
	out.ConfidenceLevel = confidence
	out.ParticipatingProtocols = protocolsOf(included)
	out.PriceRange = priceRange(prices, price)
	return out
}

func sortByPrice(prices []CrossOraclePrice) []CrossOraclePrice {
	sorted := append([]CrossOraclePrice(nil), prices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.Chain < b.Chain
	})
	return sorted
}

// withinDeviation drops prices further than maxPct percent from the median of
// an ascending slice. It never returns an empty slice.
func withinDeviation(sorted []CrossOraclePrice, maxPct float64) []CrossOraclePrice {
	if maxPct <= 0 || len(sorted) < 3 {
		return sorted
	}
	med := median(sorted)
	if med <= 0 {
		return sorted
	}
	kept := make([]CrossOraclePrice, 0, len(sorted))
	for _, p := range sorted {
		if math.Abs(p.Price-med)/med*100 <= maxPct {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return sorted
	}
	return kept
}

func median(sorted []CrossOraclePrice) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2].Price
	}
	return (sorted[n/2-1].Price + sorted[n/2].Price) / 2
}

func priceRange(prices []CrossOraclePrice, reference float64) PriceRange {
	r := PriceRange{Min: prices[0].Price, Max: prices[0].Price}
	for _, p := range prices[1:] {
		r.Min = math.Min(r.Min, p.Price)
		r.Max = math.Max(r.Max, p.Price)
	}
	r.Spread = r.Max - r.Min
	if reference > 0 {
		r.SpreadPercent = r.Spread / reference * 100
	}
	return r
}

func protocolsOf(prices []CrossOraclePrice) []string {
	seen := make(map[string]struct{}, len(prices))
	out := make([]string, 0, len(prices))
	for _, p := range prices {
		if _, ok := seen[p.Protocol]; ok {
			continue
		}
		seen[p.Protocol] = struct{}{}
		out = append(out, p.Protocol)
	}
	sort.Strings(out)
	return out
}
