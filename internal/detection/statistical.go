package detection

import (
	"fmt"
	"math"
)

// Input is what a detector sees for one feed update.
type Input struct {
	Key          FeedKey
	Price        PriceObservation
	Buffer       *Buffer
	Transactions []TransactionObservation
}

// Detector inspects one feed update and returns a candidate, or nil when it
// sees nothing.
type Detector interface {
	Rule() Rule
	Detect(in Input) *Candidate
}

// Statistical flags prices whose z-score against the buffer exceeds a threshold.
type Statistical struct {
	Threshold     float64
	MinDataPoints int
}

// Rule implements Detector.
func (s Statistical) Rule() Rule { return RuleStatistical }

// Detect implements Detector. The buffer must not yet contain in.Price.
func (s Statistical) Detect(in Input) *Candidate {
	if in.Buffer == nil || in.Buffer.Len() < s.MinDataPoints {
		return nil
	}

	mean, stdDev := meanStdDev(in.Buffer.prices())
	if stdDev == 0 {
		return nil
	}

	price := in.Price.Price
	z := math.Abs(price-mean) / stdDev
	if z < s.Threshold {
		return nil
	}

	confidence := math.Min(z/5, 1)
	var impact *float64
	if mean != 0 {
		impact = float64Ptr((price - mean) / mean)
	}

	return &Candidate{
		Type:       TypeStatisticalAnomaly,
		Severity:   zScoreSeverity.classify(z),
		Confidence: confidence,
		Evidence: []Evidence{{
			Type:        EvidenceZScore,
			Description: fmt.Sprintf("price %.6g is %.2f standard deviations from mean %.6g", price, z, mean),
			Confidence:  confidence,
			Data: ZScoreEvidence{
				Price:      price,
				Mean:       mean,
				StdDev:     stdDev,
				ZScore:     z,
				SampleSize: in.Buffer.Len(),
			},
		}},
		PriceImpact: impact,
	}
}

// meanStdDev computes the mean and population standard deviation.
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	constant := true
	for _, v := range values {
		sum += v
		if v != values[0] {
			constant = false
		}
	}
	if constant {
		// avoid rounding noise turning a flat history into a tiny stddev
		return values[0], 0
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
