package detection

import (
	"math/big"
	"time"
)

// FeedKey identifies one independently reported price feed.
type FeedKey struct {
	Protocol string
	Chain    string
	Symbol   string
}

// String renders the key as protocol:chain:symbol. Use it for logs and storage
// columns only; FeedKey itself is the map identity.
func (k FeedKey) String() string {
	return k.Protocol + ":" + k.Chain + ":" + k.Symbol
}

// PriceObservation is a single recorded price for a feed.
type PriceObservation struct {
	Timestamp time.Time
	Price     float64
	Volume    float64
	Liquidity *float64
	Source    string
}

// TransactionObservation is an on-chain transaction considered by the
// pattern detectors. It is not retained beyond one analysis call.
type TransactionObservation struct {
	Hash      string
	Timestamp time.Time
	From      string
	To        string
	Value     *big.Int
	GasPrice  *big.Int
	GasUsed   uint64
	Input     []byte
}

// Type names the manipulation pattern behind a detection.
type Type string

const (
	TypeStatisticalAnomaly    Type = "statistical_anomaly"
	TypeFlashLoanAttack       Type = "flash_loan_attack"
	TypeSandwichAttack        Type = "sandwich_attack"
	TypeLiquidityManipulation Type = "liquidity_manipulation"
)

// Severity grades a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status tracks the external review workflow of a detection.
type Status string

const (
	StatusPending            Status = "pending"
	StatusConfirmed          Status = "confirmed"
	StatusFalsePositive      Status = "false_positive"
	StatusUnderInvestigation Status = "under_investigation"
)

// Detection is emitted by the engine when a feed update looks manipulated.
type Detection struct {
	ID                     string     `json:"id"`
	Key                    FeedKey    `json:"-"`
	Protocol               string     `json:"protocol"`
	Chain                  string     `json:"chain"`
	Symbol                 string     `json:"symbol"`
	FeedKey                string     `json:"feedKey"`
	Type                   Type       `json:"type"`
	Severity               Severity   `json:"severity"`
	Confidence             float64    `json:"confidenceScore"`
	DetectedAt             time.Time  `json:"detectedAt"`
	Evidence               []Evidence `json:"evidence"`
	SuspiciousTransactions []string   `json:"suspiciousTransactions"`
	PriceImpact            *float64   `json:"priceImpact,omitempty"`
	FinancialImpactUSD     *float64   `json:"financialImpactUsd,omitempty"`
	AffectedAddresses      []string   `json:"affectedAddresses"`
	Status                 Status     `json:"status"`
}

// Candidate is a detector's raw finding before arbitration.
type Candidate struct {
	Type                   Type
	Severity               Severity
	Confidence             float64
	Evidence               []Evidence
	SuspiciousTransactions []string
	AffectedAddresses      []string
	PriceImpact            *float64
	FinancialImpactUSD     *float64
}

func float64Ptr(v float64) *float64 {
	return &v
}
