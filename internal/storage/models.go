package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is one protocol price observed during a cycle.
type PriceRecord struct {
	ID           int64
	Protocol     string
	Chain        string
	Symbol       string
	Price        decimal.Decimal
	Confidence   *decimal.Decimal
	Liquidity    *decimal.Decimal
	IsStale      bool
	DeviationPct *decimal.Decimal
	ObservedAt   time.Time
	CreatedAt    time.Time
}

// ConsensusRecord is a persisted consensus snapshot.
type ConsensusRecord struct {
	ID                     int64
	Symbol                 string
	ConsensusPrice         decimal.Decimal
	Method                 string
	ConfidenceLevel        decimal.Decimal
	ParticipatingProtocols []string
	MinPrice               decimal.Decimal
	MaxPrice               decimal.Decimal
	SpreadPct              decimal.Decimal
	ComputedAt             time.Time
}

// DeviationRecord is a persisted deviation alert.
type DeviationRecord struct {
	ID             int64
	Symbol         string
	Protocol       string
	Chain          string
	Severity       string
	Price          decimal.Decimal
	ReferencePrice decimal.Decimal
	DeviationPct   decimal.Decimal
	Message        string
	RaisedAt       time.Time
}
