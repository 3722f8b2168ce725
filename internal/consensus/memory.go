package consensus

import (
	"context"
	"math"
	"sync"
	"time"
)

type sample struct {
	at        time.Time
	stale     bool
	deviation float64
	hasDev    bool
}

// MemoryHistory is an in-process HistorySource fed with each cycle's prices.
// Samples older than the retention window are pruned on write.
type MemoryHistory struct {
	mu        sync.Mutex
	retention time.Duration
	samples   map[string]map[string][]sample // symbol -> protocol -> samples
}

// NewMemoryHistory keeps samples for the given retention window.
func NewMemoryHistory(retention time.Duration) *MemoryHistory {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryHistory{retention: retention, samples: make(map[string]map[string][]sample)}
}

// Record stores one cycle's prices with their deviation from the reference
// price. A zero reference records staleness only.
func (m *MemoryHistory) Record(symbol string, prices []CrossOraclePrice, reference float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySymbol, ok := m.samples[symbol]
	if !ok {
		bySymbol = make(map[string][]sample)
		m.samples[symbol] = bySymbol
	}
	cutoff := now.Add(-m.retention)
	for _, p := range prices {
		s := sample{at: now, stale: p.IsStale}
		if reference > 0 && !p.IsStale {
			s.deviation = math.Abs(Deviation(p.Price, reference))
			s.hasDev = true
		}
		bySymbol[p.Protocol] = append(prune(bySymbol[p.Protocol], cutoff), s)
	}
}

func prune(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0], samples[i:]...)
}

// ProtocolStats implements HistorySource.
func (m *MemoryHistory) ProtocolStats(_ context.Context, symbol string, since time.Time) (map[string]ProtocolStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ProtocolStats)
	for protocol, samples := range m.samples[symbol] {
		var st ProtocolStats
		var devSum float64
		var devN int
		for _, s := range samples {
			if s.at.Before(since) {
				continue
			}
			st.TotalUpdates++
			if s.stale {
				st.StaleUpdates++
			}
			if s.hasDev {
				devSum += s.deviation
				devN++
			}
		}
		if st.TotalUpdates == 0 {
			continue
		}
		if devN > 0 {
			st.AvgDeviationPercent = devSum / float64(devN)
		}
		out[protocol] = st
	}
	return out, nil
}

var _ HistorySource = (*MemoryHistory)(nil)
