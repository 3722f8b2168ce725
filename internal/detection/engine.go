package detection

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is where a feed update ended up in the arbiter.
type Outcome string

const (
	OutcomeNoSignal             Outcome = "no_signal"
	OutcomeEmitted              Outcome = "emitted"
	OutcomeSuppressedCooldown   Outcome = "suppressed_cooldown"
	OutcomeSuppressedConfidence Outcome = "suppressed_confidence"
)

// FeedUpdate carries one new price for a feed plus optional context.
type FeedUpdate struct {
	Key          FeedKey
	Price        PriceObservation
	History      []PriceObservation
	Transactions []TransactionObservation
}

// Result reports the arbiter's decision for one update.
type Result struct {
	Outcome   Outcome
	Detection *Detection
	// Candidate is the winning candidate, also set when it was suppressed
	// for low confidence.
	Candidate *Candidate
}

// feedState is everything the engine owns for one feed.
type feedState struct {
	mu          sync.Mutex
	buffer      *Buffer
	lastPrice   PriceObservation
	hasPrice    bool
	lastAlertAt time.Time
}

// Engine arbitrates detector results per feed.
type Engine struct {
	cfg       Config
	detectors []Detector
	history   *History
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string

	mu    sync.RWMutex
	feeds map[FeedKey]*feedState
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides detection id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "detection").Logger() }
}

// NewEngine validates cfg and builds the enabled detectors.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		history: NewHistory(cfg.MaxDetectionHistorySize),
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
		feeds:   make(map[FeedKey]*feedState),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, rule := range AllRules {
		if !cfg.enabled(rule) {
			continue
		}
		switch rule {
		case RuleStatistical:
			e.detectors = append(e.detectors, Statistical{Threshold: cfg.ZScoreThreshold, MinDataPoints: cfg.MinDataPoints})
		case RuleFlashLoan:
			e.detectors = append(e.detectors, FlashLoan{MinAmountUSD: cfg.FlashLoanMinAmountUSD})
		case RuleSandwich:
			e.detectors = append(e.detectors, Sandwich{MaxGap: cfg.SandwichMaxGap, ProfitThresholdUSD: cfg.SandwichProfitThresholdUSD})
		case RuleLiquidity:
			e.detectors = append(e.detectors, Liquidity{Threshold: cfg.LiquidityChangeThreshold})
		}
	}

	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// AnalyzeFeed records a new price for the feed and returns a detection when
// one is emitted.
func (e *Engine) AnalyzeFeed(key FeedKey, price PriceObservation, history []PriceObservation, txs []TransactionObservation) *Detection {
	return e.Evaluate(FeedUpdate{Key: key, Price: price, History: history, Transactions: txs}).Detection
}

// Evaluate runs one update through the arbiter.
func (e *Engine) Evaluate(u FeedUpdate) Result {
	state := e.feed(u.Key)
	state.mu.Lock()
	defer state.mu.Unlock()

	mergeHistory(state.buffer, u.History)

	now := e.now()
	if !state.lastAlertAt.IsZero() && now.Sub(state.lastAlertAt) < e.cfg.NotificationCooldown {
		e.record(state, u.Price)
		e.logger.Debug().Str("feed", u.Key.String()).Msg("feed in cooldown; detectors skipped")
		return Result{Outcome: OutcomeSuppressedCooldown}
	}

	in := Input{Key: u.Key, Price: u.Price, Buffer: state.buffer, Transactions: u.Transactions}

	recorded := false
	push := func() {
		if !recorded {
			e.record(state, u.Price)
			recorded = true
		}
	}

	var best *Candidate
	for _, d := range e.detectors {
		if d.Rule() == RuleLiquidity {
			// liquidity compares the new observation with the previous one
			push()
		}
		c := d.Detect(in)
		if c == nil {
			continue
		}
		if best == nil || c.Confidence > best.Confidence {
			best = c
		}
	}
	push()

	if best == nil {
		return Result{Outcome: OutcomeNoSignal}
	}
	if best.Confidence < e.cfg.MinConfidenceScore {
		e.logger.Debug().Str("feed", u.Key.String()).
			Str("type", string(best.Type)).
			Float64("confidence", best.Confidence).
			Msg("candidate below confidence floor")
		return Result{Outcome: OutcomeSuppressedConfidence, Candidate: best}
	}

	det := e.build(u.Key, best, now)
	state.lastAlertAt = now
	e.history.Add(det)

	e.logger.Info().Str("feed", u.Key.String()).
		Str("id", det.ID).
		Str("type", string(det.Type)).
		Str("severity", string(det.Severity)).
		Float64("confidence", det.Confidence).
		Msg("manipulation detected")

	return Result{Outcome: OutcomeEmitted, Detection: &det, Candidate: best}
}

func (e *Engine) build(key FeedKey, c *Candidate, now time.Time) Detection {
	txs := c.SuspiciousTransactions
	if txs == nil {
		txs = []string{}
	}
	addrs := c.AffectedAddresses
	if addrs == nil {
		addrs = []string{}
	}
	return Detection{
		ID:                     e.newID(),
		Key:                    key,
		Protocol:               key.Protocol,
		Chain:                  key.Chain,
		Symbol:                 key.Symbol,
		FeedKey:                key.String(),
		Type:                   c.Type,
		Severity:               c.Severity,
		Confidence:             c.Confidence,
		DetectedAt:             now,
		Evidence:               c.Evidence,
		SuspiciousTransactions: txs,
		PriceImpact:            c.PriceImpact,
		FinancialImpactUSD:     c.FinancialImpactUSD,
		AffectedAddresses:      addrs,
		Status:                 StatusPending,
	}
}

func (e *Engine) record(state *feedState, obs PriceObservation) {
	state.buffer.Push(obs)
	state.lastPrice = obs
	state.hasPrice = true
}

func (e *Engine) feed(key FeedKey) *feedState {
	e.mu.RLock()
	state, ok := e.feeds[key]
	e.mu.RUnlock()
	if ok {
		return state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok = e.feeds[key]; ok {
		return state
	}
	state = &feedState{buffer: NewBuffer(e.cfg.BufferCapacity())}
	e.feeds[key] = state
	return state
}

// mergeHistory pushes observations newer than the newest buffered one.
func mergeHistory(buf *Buffer, history []PriceObservation) {
	if len(history) == 0 {
		return
	}
	sorted := append([]PriceObservation(nil), history...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	newest, ok := buf.Newest()
	for _, obs := range sorted {
		if ok && !obs.Timestamp.After(newest.Timestamp) {
			continue
		}
		buf.Push(obs)
	}
}

// History returns up to limit retained detections, newest first.
func (e *Engine) History(limit int) []Detection {
	return e.history.Recent(limit)
}

// HistoryLen reports the number of retained detections.
func (e *Engine) HistoryLen() int {
	return e.history.Len()
}

// FeedDetections returns retained detections for one feed, newest first.
func (e *Engine) FeedDetections(key FeedKey) []Detection {
	return e.history.ForFeed(key)
}

// LastPrice returns the most recent price recorded for a feed.
func (e *Engine) LastPrice(key FeedKey) (PriceObservation, bool) {
	e.mu.RLock()
	state, ok := e.feeds[key]
	e.mu.RUnlock()
	if !ok {
		return PriceObservation{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.lastPrice, state.hasPrice
}

// Observations returns a time-sorted copy of a feed's buffer.
func (e *Engine) Observations(key FeedKey) []PriceObservation {
	e.mu.RLock()
	state, ok := e.feeds[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.buffer.AllSorted()
}

// Feeds lists every feed the engine has seen.
func (e *Engine) Feeds() []FeedKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]FeedKey, 0, len(e.feeds))
	for k := range e.feeds {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
