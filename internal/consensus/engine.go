package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PriceSource supplies the current cross-protocol prices of a symbol.
type PriceSource interface {
	FetchPrices(ctx context.Context, symbol string) ([]CrossOraclePrice, error)
}

// Engine runs consensus cycles for symbols.
type Engine struct {
	cfg     Config
	source  PriceSource
	history HistorySource
	logger  zerolog.Logger
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "consensus").Logger() }
}

// NewEngine validates cfg. source may be nil when only AnalyzePrices is used;
// a nil history yields neutral reliability for every protocol.
func NewEngine(cfg Config, source PriceSource, history HistorySource, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		source:  source,
		history: history,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Analyze fetches prices for symbol and runs one consensus cycle.
func (e *Engine) Analyze(ctx context.Context, symbol string) (*Analysis, error) {
	return e.AnalyzeWith(ctx, symbol, e.cfg)
}

// AnalyzeWith is Analyze with a per-call configuration.
func (e *Engine) AnalyzeWith(ctx context.Context, symbol string, cfg Config) (*Analysis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.source == nil {
		return nil, fmt.Errorf("consensus: no price source configured")
	}
	prices, err := e.source.FetchPrices(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch prices for %s: %w", symbol, err)
	}
	return e.run(ctx, symbol, prices, cfg)
}

// AnalyzePrices runs one consensus cycle over prices the caller already holds.
func (e *Engine) AnalyzePrices(ctx context.Context, symbol string, prices []CrossOraclePrice) (*Analysis, error) {
	return e.run(ctx, symbol, prices, e.cfg)
}

func (e *Engine) run(ctx context.Context, symbol string, prices []CrossOraclePrice, cfg Config) (*Analysis, error) {
	now := e.now()

	collected := CollectWithSkew(prices, cfg.TimeWindow, cfg.StaleAfter, cfg.ClockSkew, now)
	if len(collected) < cfg.MinDataPoints {
		return nil, &InsufficientDataError{Symbol: symbol, Have: len(collected), Need: cfg.MinDataPoints}
	}

	scorer := NewScorer(e.history, cfg.ReliabilityWindow)
	scores, err := scorer.Scores(ctx, symbol, protocolsOf(collected), now)
	if err != nil {
		return nil, fmt.Errorf("reliability for %s: %w", symbol, err)
	}
	reliability := make(map[string]float64, len(scores))
	for p, s := range scores {
		reliability[p] = s.Reliability
	}

	cons := Calculate(symbol, collected, Weights{Reliability: reliability, Custom: cfg.CustomWeights}, cfg.MaxPriceDeviationPercent, now)
	deviations, healthy := ClassifyAll(collected, cons, Thresholds{Warning: cfg.WarningThreshold, Critical: cfg.CriticalThreshold}, now)

	e.logger.Debug().Str("symbol", symbol).
		Float64("consensus", cons.ConsensusPrice).
		Str("method", string(cons.Method)).
		Int("protocols", len(collected)).
		Int("deviations", len(deviations)).
		Msg("consensus computed")

	return &Analysis{
		Consensus:   cons,
		Deviations:  deviations,
		Healthy:     healthy,
		Prices:      collected,
		Reliability: scores,
	}, nil
}
