package consensus

import (
	"fmt"
	"math"
	"time"
)

// Thresholds are deviation limits in percent.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// Deviation returns (price-reference)/reference in percent.
func Deviation(price, reference float64) float64 {
	if reference == 0 {
		return 0
	}
	return (price - reference) / reference * 100
}

// Classify grades a price against the consensus price.
func Classify(price, reference float64, t Thresholds) (Severity, float64) {
	d := Deviation(price, reference)
	abs := math.Abs(d)
	switch {
	case abs > t.Critical:
		return SeverityCritical, d
	case abs > t.Warning:
		return SeverityWarning, d
	default:
		return SeverityHealthy, d
	}
}

// ClassifyAll emits one alert per non-healthy (protocol, chain) and returns
// the healthy prices.
func ClassifyAll(prices []CrossOraclePrice, c PriceConsensus, t Thresholds, now time.Time) ([]DeviationAlert, []CrossOraclePrice) {
	alerts := make([]DeviationAlert, 0)
	healthy := make([]CrossOraclePrice, 0, len(prices))
	seen := make(map[sourceKey]struct{}, len(prices))

	for _, p := range prices {
		key := sourceKey{protocol: p.Protocol, chain: p.Chain}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		sev, d := Classify(p.Price, c.ConsensusPrice, t)
		if sev == SeverityHealthy {
			healthy = append(healthy, p)
			continue
		}
		alerts = append(alerts, DeviationAlert{
			Severity:         sev,
			Protocol:         p.Protocol,
			Chain:            p.Chain,
			Symbol:           c.Symbol,
			Price:            p.Price,
			ReferencePrice:   c.ConsensusPrice,
			DeviationPercent: d,
			Message: fmt.Sprintf("%s %s price %.6g deviates %+.3f%% from consensus %.6g",
				p.Protocol, c.Symbol, p.Price, d, c.ConsensusPrice),
			Timestamp: now,
		})
	}
	return alerts, healthy
}
