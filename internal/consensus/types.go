package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CrossOraclePrice is one protocol's latest price for a symbol on a chain.
type CrossOraclePrice struct {
	Protocol   string        `json:"protocol"`
	Chain      string        `json:"chain"`
	Symbol     string        `json:"symbol"`
	Price      float64       `json:"price"`
	Timestamp  time.Time     `json:"timestamp"`
	Confidence *float64      `json:"confidence,omitempty"`
	IsStale    bool          `json:"isStale"`
	Staleness  time.Duration `json:"-"`
}

type crossOraclePriceJSON struct {
	crossOraclePriceAlias
	StalenessSeconds float64 `json:"stalenessSeconds,omitempty"`
}

type crossOraclePriceAlias CrossOraclePrice

// MarshalJSON encodes Staleness as seconds.
func (p CrossOraclePrice) MarshalJSON() ([]byte, error) {
	return json.Marshal(crossOraclePriceJSON{
		crossOraclePriceAlias: crossOraclePriceAlias(p),
		StalenessSeconds:      p.Staleness.Seconds(),
	})
}

// UnmarshalJSON decodes stalenessSeconds back into Staleness.
func (p *CrossOraclePrice) UnmarshalJSON(b []byte) error {
	var raw crossOraclePriceJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = CrossOraclePrice(raw.crossOraclePriceAlias)
	p.Staleness = time.Duration(raw.StalenessSeconds * float64(time.Second))
	return nil
}

// Method names how a consensus price was derived.
type Method string

const (
	MethodSingleSource   Method = "single_source"
	MethodWeightedMedian Method = "weighted_median"
)

// PriceRange summarises the spread of participating prices.
type PriceRange struct {
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Spread        float64 `json:"spread"`
	SpreadPercent float64 `json:"spreadPercent"`
}

// PriceConsensus is the cross-protocol reference price of one cycle.
type PriceConsensus struct {
	Symbol                 string     `json:"symbol"`
	Timestamp              time.Time  `json:"timestamp"`
	ConsensusPrice         float64    `json:"consensusPrice"`
	Method                 Method     `json:"consensusMethod"`
	ParticipatingProtocols []string   `json:"participatingProtocols"`
	ConfidenceLevel        float64    `json:"confidenceLevel"`
	PriceRange             PriceRange `json:"priceRange"`
}

// Severity grades a deviation from consensus.
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DeviationAlert flags a protocol whose price strays from consensus.
type DeviationAlert struct {
	Severity         Severity  `json:"severity"`
	Protocol         string    `json:"protocol"`
	Chain            string    `json:"chain"`
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	ReferencePrice   float64   `json:"referencePrice"`
	DeviationPercent float64   `json:"deviationPercent"`
	Message          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
}

// ReliabilityScore rates a protocol over a trailing window. Freshness and
// accuracy are on a 0-100 scale; Reliability is normalised to [0,1].
type ReliabilityScore struct {
	Protocol    string  `json:"protocol"`
	Freshness   float64 `json:"freshnessScore"`
	Accuracy    float64 `json:"accuracyScore"`
	Reliability float64 `json:"reliabilityScore"`
	Samples     int     `json:"samples"`
}

// Analysis is the output of one consensus cycle for a symbol.
type Analysis struct {
	Consensus   PriceConsensus              `json:"consensus"`
	Deviations  []DeviationAlert            `json:"deviations"`
	Healthy     []CrossOraclePrice          `json:"healthy"`
	Prices      []CrossOraclePrice          `json:"prices"`
	Reliability map[string]ReliabilityScore `json:"reliability"`
}

// ErrInsufficientData matches InsufficientDataError via errors.Is.
var ErrInsufficientData = errors.New("consensus: insufficient data")

// InsufficientDataError reports that too few protocols had usable prices.
type InsufficientDataError struct {
	Symbol string
	Have   int
	Need   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("consensus: %s has %d reporting protocol(s), need %d", e.Symbol, e.Have, e.Need)
}

// Is lets errors.Is match ErrInsufficientData.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}
