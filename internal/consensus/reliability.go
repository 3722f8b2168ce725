package consensus

import (
	"context"
	"math"
	"time"
)

// ProtocolStats summarises a protocol's updates over a trailing window.
type ProtocolStats struct {
	TotalUpdates int
	StaleUpdates int
	// AvgDeviationPercent is the mean absolute deviation from the rolling
	// median, in percent.
	AvgDeviationPercent float64
}

// HistorySource supplies per-protocol statistics for a symbol since a time.
type HistorySource interface {
	ProtocolStats(ctx context.Context, symbol string, since time.Time) (map[string]ProtocolStats, error)
}

// Score turns window statistics into a reliability score. Protocols without
// history get the neutral prior.
func Score(protocol string, s ProtocolStats) ReliabilityScore {
	if s.TotalUpdates <= 0 {
		return ReliabilityScore{
			Protocol:    protocol,
			Freshness:   neutralReliability * 100,
			Accuracy:    neutralReliability * 100,
			Reliability: neutralReliability,
		}
	}

	stale := s.StaleUpdates
	if stale > s.TotalUpdates {
		stale = s.TotalUpdates
	}
	if stale < 0 {
		stale = 0
	}
	freshness := float64(s.TotalUpdates-stale) / float64(s.TotalUpdates) * 100
	accuracy := math.Max(0, 100-math.Abs(s.AvgDeviationPercent)*10)
	blended := clamp(freshness*0.5+accuracy*0.5, 0, 100)

	return ReliabilityScore{
		Protocol:    protocol,
		Freshness:   freshness,
		Accuracy:    accuracy,
		Reliability: blended / 100,
		Samples:     s.TotalUpdates,
	}
}

// Scorer computes reliability scores for one cycle.
type Scorer struct {
	source HistorySource
	window time.Duration
}

// NewScorer builds a scorer. A nil source yields neutral scores.
func NewScorer(source HistorySource, window time.Duration) *Scorer {
	return &Scorer{source: source, window: window}
}

// Scores fetches statistics once and scores every requested protocol.
func (s *Scorer) Scores(ctx context.Context, symbol string, protocols []string, now time.Time) (map[string]ReliabilityScore, error) {
	stats := map[string]ProtocolStats{}
	if s.source != nil {
		fetched, err := s.source.ProtocolStats(ctx, symbol, now.Add(-s.window))
		if err != nil {
			return nil, err
		}
		if fetched != nil {
			stats = fetched
		}
	}

	out := make(map[string]ReliabilityScore, len(protocols))
	for _, p := range protocols {
		out[p] = Score(p, stats[p])
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
