package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned when the engine configuration is rejected.
var ErrInvalidConfig = errors.New("consensus: invalid config")

// Config tunes the consensus engine.
type Config struct {
	// TimeWindow bounds how old a collected price may be. It must be at
	// least StaleAfter.
	TimeWindow time.Duration `validate:"gt=0,gtefield=StaleAfter"`
	// StaleAfter marks prices older than this as stale even if the source did not.
	StaleAfter time.Duration `validate:"gt=0"`
	// ClockSkew tolerates source timestamps slightly ahead of the local clock.
	ClockSkew     time.Duration `validate:"gte=0"`
	MinDataPoints int           `validate:"gte=1"`
	// WarningThreshold and CriticalThreshold are in percent.
	WarningThreshold  float64 `validate:"gt=0"`
	CriticalThreshold float64 `validate:"gtfield=WarningThreshold"`
	// MaxPriceDeviationPercent excludes outliers from weighting. Zero disables.
	MaxPriceDeviationPercent float64            `validate:"gte=0"`
	ReliabilityWindow        time.Duration      `validate:"gt=0"`
	CustomWeights            map[string]float64 `validate:"dive,gte=0"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TimeWindow:               time.Hour,
		StaleAfter:               time.Hour,
		ClockSkew:                DefaultClockSkew,
		MinDataPoints:            2,
		WarningThreshold:         0.5,
		CriticalThreshold:        1.0,
		MaxPriceDeviationPercent: 5.0,
		ReliabilityWindow:        24 * time.Hour,
	}
}

var validate = validator.New()

// Validate checks ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
