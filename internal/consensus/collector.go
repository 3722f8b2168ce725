package consensus

import (
	"sort"
	"time"
)

type sourceKey struct {
	protocol string
	chain    string
}

// DefaultClockSkew is how far ahead of the local clock a source timestamp may
// be and still count as current.
const DefaultClockSkew = 5 * time.Second

// Collect keeps the most recent non-stale price per (protocol, chain) within
// [now-window, now]. Prices older than staleAfter count as stale. The result
// is ordered by protocol then chain and may be empty.
func Collect(prices []CrossOraclePrice, window, staleAfter time.Duration, now time.Time) []CrossOraclePrice {
	return CollectWithSkew(prices, window, staleAfter, DefaultClockSkew, now)
}

// CollectWithSkew is Collect accepting timestamps up to skew past now, with
// their age clamped to zero.
func CollectWithSkew(prices []CrossOraclePrice, window, staleAfter, skew time.Duration, now time.Time) []CrossOraclePrice {
	cutoff := now.Add(-window)
	latest := make(map[sourceKey]CrossOraclePrice)

	for _, p := range prices {
		if p.IsStale || p.Price <= 0 {
			continue
		}
		if p.Timestamp.Before(cutoff) || p.Timestamp.After(now.Add(skew)) {
			continue
		}
		age := max(now.Sub(p.Timestamp), 0)
		if staleAfter > 0 && age > staleAfter {
			continue
		}
		key := sourceKey{protocol: p.Protocol, chain: p.Chain}
		if cur, ok := latest[key]; ok && !p.Timestamp.After(cur.Timestamp) {
			continue
		}
		p.Staleness = age
		latest[key] = p
	}

	out := make([]CrossOraclePrice, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Chain < out[j].Chain
	})
	return out
}

// MarkStale flags prices older than staleAfter, filling Staleness.
func MarkStale(prices []CrossOraclePrice, staleAfter time.Duration, now time.Time) {
	for i := range prices {
		age := max(now.Sub(prices[i].Timestamp), 0)
		prices[i].Staleness = age
		if staleAfter > 0 && age > staleAfter {
			prices[i].IsStale = true
		}
	}
}
