package detection

import (
	"encoding/json"
	"fmt"
)

// EvidenceKind discriminates the EvidenceData variants.
type EvidenceKind string

const (
	EvidenceZScore    EvidenceKind = "z_score"
	EvidenceFlashLoan EvidenceKind = "flash_loan"
	EvidenceSandwich  EvidenceKind = "sandwich"
	EvidenceLiquidity EvidenceKind = "liquidity_shift"
)

// EvidenceData is the detector-specific payload of an Evidence item. The set of
// implementations is closed to this package.
type EvidenceData interface {
	Kind() EvidenceKind
	isEvidence()
}

// Evidence supports a detection. Every detection carries at least one.
type Evidence struct {
	Type        EvidenceKind
	Description string
	Confidence  float64
	Data        EvidenceData
}

// ZScoreEvidence describes a statistical outlier.
type ZScoreEvidence struct {
	Price      float64 `json:"price"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stdDev"`
	ZScore     float64 `json:"zScore"`
	SampleSize int     `json:"sampleSize"`
}

// FlashLoanEvidence summarises matched flash-loan entry calls.
type FlashLoanEvidence struct {
	Matches       int      `json:"matches"`
	TotalValueUSD float64  `json:"totalValueUsd"`
	ThresholdUSD  float64  `json:"thresholdUsd"`
	Transactions  []string `json:"transactions"`
}

// SandwichEvidence describes one front-run / victim / back-run triple.
type SandwichEvidence struct {
	Attacker             string  `json:"attacker"`
	Victim               string  `json:"victim"`
	FrontRun             string  `json:"frontRun"`
	Target               string  `json:"target"`
	BackRun              string  `json:"backRun"`
	AttackerNotionalUSD  float64 `json:"attackerNotionalUsd"`
	AboveProfitThreshold bool    `json:"aboveProfitThreshold"`
}

// LiquidityEvidence describes a liquidity jump between two observations.
type LiquidityEvidence struct {
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Change   float64 `json:"change"`
}

func (ZScoreEvidence) Kind() EvidenceKind    { return EvidenceZScore }
func (FlashLoanEvidence) Kind() EvidenceKind { return EvidenceFlashLoan }
func (SandwichEvidence) Kind() EvidenceKind  { return EvidenceSandwich }
func (LiquidityEvidence) Kind() EvidenceKind { return EvidenceLiquidity }

func (ZScoreEvidence) isEvidence()    {}
func (FlashLoanEvidence) isEvidence() {}
func (SandwichEvidence) isEvidence()  {}
func (LiquidityEvidence) isEvidence() {}

type evidenceJSON struct {
	Type        EvidenceKind    `json:"type"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence"`
	Data        json.RawMessage `json:"data"`
}

// MarshalJSON encodes the evidence with its kind as discriminator.
func (e Evidence) MarshalJSON() ([]byte, error) {
	data := []byte("null")
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(evidenceJSON{
		Type:        e.Type,
		Description: e.Description,
		Confidence:  e.Confidence,
		Data:        data,
	})
}

// UnmarshalJSON decodes the variant selected by the type discriminator.
func (e *Evidence) UnmarshalJSON(b []byte) error {
	var raw evidenceJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var data EvidenceData
	switch raw.Type {
	case EvidenceZScore:
		var v ZScoreEvidence
		if err := json.Unmarshal(raw.Data, &v); err != nil {
			return err
		}
		data = v
	case EvidenceFlashLoan:
		var v FlashLoanEvidence
		if err := json.Unmarshal(raw.Data, &v); err != nil {
			return err
		}
		data = v
	case EvidenceSandwich:
		var v SandwichEvidence
		if err := json.Unmarshal(raw.Data, &v); err != nil {
			return err
		}
		data = v
	case EvidenceLiquidity:
		var v LiquidityEvidence
		if err := json.Unmarshal(raw.Data, &v); err != nil {
			return err
		}
		data = v
	default:
		return fmt.Errorf("unknown evidence type %q", raw.Type)
	}

	*e = Evidence{
		Type:        raw.Type,
		Description: raw.Description,
		Confidence:  raw.Confidence,
		Data:        data,
	}
	return nil
}
