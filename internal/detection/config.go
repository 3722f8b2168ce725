package detection

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned when the engine configuration is rejected.
var ErrInvalidConfig = errors.New("detection: invalid config")

// Rule names a detector that can be enabled.
type Rule string

const (
	RuleStatistical Rule = "statistical_anomaly"
	RuleFlashLoan   Rule = "flash_loan"
	RuleSandwich    Rule = "sandwich_attack"
	RuleLiquidity   Rule = "liquidity_manipulation"
)

// AllRules lists every detector in evaluation order.
var AllRules = []Rule{RuleStatistical, RuleFlashLoan, RuleSandwich, RuleLiquidity}

// Config tunes the detection engine.
type Config struct {
	ZScoreThreshold            float64       `validate:"gt=0"`
	MinConfidenceScore         float64       `validate:"gte=0,lte=1"`
	TimeWindow                 time.Duration `validate:"gt=0"`
	SampleInterval             time.Duration `validate:"gt=0"`
	BufferSlack                int           `validate:"gte=0"`
	MinDataPoints              int           `validate:"gte=2"`
	FlashLoanMinAmountUSD      float64       `validate:"gt=0"`
	SandwichProfitThresholdUSD float64       `validate:"gte=0"`
	LiquidityChangeThreshold   float64       `validate:"gt=0"`
	SandwichMaxGap             time.Duration `validate:"gt=0"`
	NotificationCooldown       time.Duration `validate:"gte=0"`
	MaxDetectionHistorySize    int           `validate:"gt=0"`
	EnabledRules               []Rule        `validate:"min=1,dive,oneof=statistical_anomaly flash_loan sandwich_attack liquidity_manipulation"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:            3,
		MinConfidenceScore:         0.7,
		TimeWindow:                 time.Hour,
		SampleInterval:             time.Minute,
		BufferSlack:                10,
		MinDataPoints:              10,
		FlashLoanMinAmountUSD:      100_000,
		SandwichProfitThresholdUSD: 1_000,
		LiquidityChangeThreshold:   0.3,
		SandwichMaxGap:             60 * time.Second,
		NotificationCooldown:       5 * time.Minute,
		MaxDetectionHistorySize:    10_000,
		EnabledRules:               append([]Rule(nil), AllRules...),
	}
}

var validate = validator.New()

// Validate checks ranges and rule names.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// BufferCapacity returns the per-feed buffer capacity implied by the config.
func (c Config) BufferCapacity() int {
	return BufferCapacity(c.TimeWindow, c.SampleInterval, c.BufferSlack)
}

func (c Config) enabled(rule Rule) bool {
	for _, r := range c.EnabledRules {
		if r == rule {
			return true
		}
	}
	return false
}
