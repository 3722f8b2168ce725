package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/fetcher"
)

// PriceRecordFromQuote converts a fetched quote. deviation is the quote's
// percent deviation from the cycle consensus, nil when none was computed.
func PriceRecordFromQuote(q fetcher.Quote, deviation *float64) PriceRecord {
	return PriceRecord{
		Protocol:     q.Protocol,
		Chain:        q.Chain,
		Symbol:       q.Symbol,
		Price:        decimal.NewFromFloat(q.Price),
		Confidence:   optionalDecimal(q.Confidence),
		Liquidity:    optionalDecimal(q.Liquidity),
		IsStale:      q.IsStale,
		DeviationPct: optionalDecimal(deviation),
		ObservedAt:   q.Timestamp,
	}
}

// ConsensusRecordFrom converts a consensus result.
func ConsensusRecordFrom(c consensus.PriceConsensus) ConsensusRecord {
	return ConsensusRecord{
		Symbol:                 c.Symbol,
		ConsensusPrice:         decimal.NewFromFloat(c.ConsensusPrice),
		Method:                 string(c.Method),
		ConfidenceLevel:        decimal.NewFromFloat(c.ConfidenceLevel),
		ParticipatingProtocols: append([]string(nil), c.ParticipatingProtocols...),
		MinPrice:               decimal.NewFromFloat(c.PriceRange.Min),
		MaxPrice:               decimal.NewFromFloat(c.PriceRange.Max),
		SpreadPct:              decimal.NewFromFloat(c.PriceRange.SpreadPercent),
		ComputedAt:             c.Timestamp,
	}
}

// Consensus converts the record back to the engine type.
func (r ConsensusRecord) Consensus() consensus.PriceConsensus {
	minPrice := r.MinPrice.InexactFloat64()
	maxPrice := r.MaxPrice.InexactFloat64()
	return consensus.PriceConsensus{
		Symbol:                 r.Symbol,
		Timestamp:              r.ComputedAt,
		ConsensusPrice:         r.ConsensusPrice.InexactFloat64(),
		Method:                 consensus.Method(r.Method),
		ParticipatingProtocols: r.ParticipatingProtocols,
		ConfidenceLevel:        r.ConfidenceLevel.InexactFloat64(),
		PriceRange: consensus.PriceRange{
			Min:           minPrice,
			Max:           maxPrice,
			Spread:        maxPrice - minPrice,
			SpreadPercent: r.SpreadPct.InexactFloat64(),
		},
	}
}

// DeviationRecordFrom converts a deviation alert.
func DeviationRecordFrom(a consensus.DeviationAlert) DeviationRecord {
	return DeviationRecord{
		Symbol:         a.Symbol,
		Protocol:       a.Protocol,
		Chain:          a.Chain,
		Severity:       string(a.Severity),
		Price:          decimal.NewFromFloat(a.Price),
		ReferencePrice: decimal.NewFromFloat(a.ReferencePrice),
		DeviationPct:   decimal.NewFromFloat(a.DeviationPercent),
		Message:        a.Message,
		RaisedAt:       a.Timestamp,
	}
}

// CrossOraclePrice converts a stored price back to the consensus type.
func (r PriceRecord) CrossOraclePrice(now time.Time) consensus.CrossOraclePrice {
	p := consensus.CrossOraclePrice{
		Protocol:  r.Protocol,
		Chain:     r.Chain,
		Symbol:    r.Symbol,
		Price:     r.Price.InexactFloat64(),
		Timestamp: r.ObservedAt,
		IsStale:   r.IsStale,
		Staleness: now.Sub(r.ObservedAt),
	}
	if r.Confidence != nil {
		c := r.Confidence.InexactFloat64()
		p.Confidence = &c
	}
	return p
}

func optionalDecimal(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseOptionalDecimal(s *string, field string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &d, nil
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	v := d.InexactFloat64()
	return &v
}
