package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-sentinel/internal/alerting"
	"oracle-sentinel/internal/config"
	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
	"oracle-sentinel/internal/fetcher"
	"oracle-sentinel/internal/metrics"
	"oracle-sentinel/internal/scheduler"
	"oracle-sentinel/internal/storage"
)

// QuoteSource returns every protocol's current quote for a symbol.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, symbol string) ([]fetcher.Quote, error)
}

// SnapshotCache keeps the latest analysis per symbol.
type SnapshotCache interface {
	Put(ctx context.Context, a *consensus.Analysis, now time.Time) error
}

// Deps are the collaborators of one monitoring cycle. Quotes, Detector and
// Consensus are required; the rest may be nil.
type Deps struct {
	Quotes       QuoteSource
	Transactions fetcher.TransactionFetcher
	Detector     *detection.Engine
	Consensus    *consensus.Engine
	Memory       *consensus.MemoryHistory
	Prices       storage.PriceStore
	Detections   storage.DetectionStore
	Snapshots    storage.ConsensusStore
	Locker       storage.AdvisoryLocker
	Cache        SnapshotCache
	Notifier     alerting.Notifier
	Metrics      *metrics.Recorder
}

// FeedResult is the detector outcome for one quote.
type FeedResult struct {
	Key    detection.FeedKey
	Result detection.Result
}

// SymbolReport summarises one symbol's cycle. Analysis is nil when too few
// protocols reported.
type SymbolReport struct {
	Symbol   string
	Quotes   []fetcher.Quote
	Feeds    []FeedResult
	Analysis *consensus.Analysis
}

// Service orchestrates fetching, detection, consensus, persistence and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	deps      Deps
	logger    zerolog.Logger
	now       func() time.Time

	symbols     []string
	concurrency int
	alertsOn    bool
	lockKey     int64
	retention   time.Duration

	mu       sync.Mutex
	warmed   map[detection.FeedKey]bool
	severity map[string]consensus.Severity
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Quotes == nil {
		return nil, errors.New("service: quote source is required")
	}
	if deps.Detector == nil || deps.Consensus == nil {
		return nil, errors.New("service: detection and consensus engines are required")
	}
	concurrency := cfg.Scheduler.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Service{
		scheduler:   sched,
		deps:        deps,
		logger:      logger.With().Str("component", "service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		symbols:     cfg.NormalizedSymbols(),
		concurrency: concurrency,
		alertsOn:    cfg.Alerting.Enabled,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
		retention:   cfg.Database.Retention,
		warmed:      make(map[detection.FeedKey]bool),
		severity:    make(map[string]consensus.Severity),
	}, nil
}

// Run begins the scheduled monitoring loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle 执行一次监控周期，按配置的并发度处理所有交易对。
func (s *Service) ProcessCycle(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, bucket)
}

func (s *Service) executeCycle(ctx context.Context, bucket time.Time) error {
	txs := s.fetchTransactions(ctx)

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, symbol := range s.symbols {
		g.Go(func() error {
			started := s.now()
			_, err := s.ProcessSymbol(ctx, symbol, txs.For(symbol))
			s.deps.Metrics.RecordCycle(symbol, err, s.now().Sub(started))
			if err != nil {
				failed.Add(1)
				s.logger.Error().Err(err).Str("symbol", symbol).Time("bucket", bucket).Msg("symbol cycle failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	s.prune(ctx)

	if n := int(failed.Load()); n > 0 && n == len(s.symbols) {
		return fmt.Errorf("all %d symbols failed", n)
	}
	return nil
}

// ProcessSymbol runs one symbol through detection and consensus. txs are the
// transactions attributed to symbol; every feed of the symbol sees them.
func (s *Service) ProcessSymbol(ctx context.Context, symbol string, txs []detection.TransactionObservation) (*SymbolReport, error) {
	quotes, err := s.deps.Quotes.FetchQuotes(ctx, symbol)
	if err != nil {
		s.deps.Metrics.RecordError("fetch")
		return nil, fmt.Errorf("fetch quotes: %w", err)
	}

	report := &SymbolReport{Symbol: symbol, Quotes: quotes}
	for _, q := range quotes {
		if fr, ok := s.evaluate(ctx, q, txs); ok {
			report.Feeds = append(report.Feeds, fr)
		}
	}

	prices := make([]consensus.CrossOraclePrice, len(quotes))
	for i, q := range quotes {
		prices[i] = q.CrossOraclePrice
	}
	analysis, err := s.deps.Consensus.AnalyzePrices(ctx, symbol, prices)
	if err != nil {
		s.persistPrices(ctx, quotes, nil)
		var insufficient *consensus.InsufficientDataError
		if errors.As(err, &insufficient) {
			s.logger.Warn().Str("symbol", symbol).Int("have", insufficient.Have).Int("need", insufficient.Need).
				Msg("not enough protocols for consensus")
			return report, nil
		}
		s.deps.Metrics.RecordError("consensus")
		return report, err
	}

	report.Analysis = analysis
	s.persistPrices(ctx, quotes, analysis)
	s.publishAnalysis(ctx, analysis)
	return report, nil
}

// evaluate feeds one quote to the detector. Stale quotes and quotes no newer
// than the feed's last observation are skipped.
func (s *Service) evaluate(ctx context.Context, q fetcher.Quote, txs []detection.TransactionObservation) (FeedResult, bool) {
	key := q.Key()
	if q.IsStale {
		return FeedResult{}, false
	}
	if last, ok := s.deps.Detector.LastPrice(key); ok && !q.Timestamp.After(last.Timestamp) {
		return FeedResult{}, false
	}

	res := s.deps.Detector.Evaluate(detection.FeedUpdate{
		Key:          key,
		Price:        q.Observation(),
		History:      s.warmUp(ctx, key, q.Timestamp),
		Transactions: txs,
	})
	s.deps.Metrics.RecordOutcome(res.Outcome)

	if res.Detection != nil {
		s.handleDetection(ctx, *res.Detection)
	}
	return FeedResult{Key: key, Result: res}, true
}

// warmUp loads stored observations older than before until one load for the
// feed succeeds.
func (s *Service) warmUp(ctx context.Context, key detection.FeedKey, before time.Time) []detection.PriceObservation {
	if s.deps.Prices == nil {
		return nil
	}
	s.mu.Lock()
	seen := s.warmed[key]
	s.mu.Unlock()
	if seen {
		return nil
	}

	since := s.now().Add(-s.deps.Detector.Config().TimeWindow)
	history, err := s.deps.Prices.ObservationHistory(ctx, key, since)
	if err != nil {
		s.deps.Metrics.RecordError("warm_up")
		s.logger.Warn().Err(err).Str("feed", key.String()).Msg("failed to load observation history")
		return nil
	}
	s.mu.Lock()
	s.warmed[key] = true
	s.mu.Unlock()

	// a restart can find the current quote already stored
	history = slices.DeleteFunc(history, func(o detection.PriceObservation) bool {
		return !o.Timestamp.Before(before)
	})
	s.logger.Debug().Str("feed", key.String()).Int("observations", len(history)).Msg("feed buffer warmed up")
	return history
}

func (s *Service) handleDetection(ctx context.Context, d detection.Detection) {
	s.deps.Metrics.RecordDetection(d)

	if s.deps.Detections != nil {
		if err := s.deps.Detections.InsertDetection(ctx, d); err != nil {
			s.deps.Metrics.RecordError("persist")
			s.logger.Error().Err(err).Str("id", d.ID).Msg("failed to persist detection")
		}
	}
	s.notify(ctx, alerting.DetectionNotification(d, s.now()))
}

func (s *Service) persistPrices(ctx context.Context, quotes []fetcher.Quote, analysis *consensus.Analysis) {
	if s.deps.Prices == nil || len(quotes) == 0 {
		return
	}

	deviations := make(map[string]float64)
	if analysis != nil {
		for _, p := range analysis.Prices {
			deviations[p.Protocol+"|"+p.Chain] = consensus.Deviation(p.Price, analysis.Consensus.ConsensusPrice)
		}
	}

	records := make([]storage.PriceRecord, 0, len(quotes))
	for _, q := range quotes {
		var dev *float64
		if d, ok := deviations[q.Protocol+"|"+q.Chain]; ok {
			dev = &d
		}
		records = append(records, storage.PriceRecordFromQuote(q, dev))
	}
	if err := s.deps.Prices.InsertPrices(ctx, records); err != nil {
		s.deps.Metrics.RecordError("persist")
		s.logger.Error().Err(err).Int("count", len(records)).Msg("failed to persist prices")
	}
}

func (s *Service) publishAnalysis(ctx context.Context, a *consensus.Analysis) {
	now := s.now()
	symbol := a.Consensus.Symbol

	if s.deps.Memory != nil {
		s.deps.Memory.Record(symbol, a.Prices, a.Consensus.ConsensusPrice, now)
	}

	if s.deps.Snapshots != nil {
		if err := s.deps.Snapshots.InsertConsensus(ctx, storage.ConsensusRecordFrom(a.Consensus)); err != nil {
			s.deps.Metrics.RecordError("persist")
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist consensus")
		}
		if len(a.Deviations) > 0 {
			recs := make([]storage.DeviationRecord, 0, len(a.Deviations))
			for _, d := range a.Deviations {
				recs = append(recs, storage.DeviationRecordFrom(d))
			}
			if err := s.deps.Snapshots.InsertDeviations(ctx, recs); err != nil {
				s.deps.Metrics.RecordError("persist")
				s.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist deviation alerts")
			}
		}
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, a, now); err != nil {
			s.deps.Metrics.RecordError("cache")
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to cache consensus")
		}
	}

	for _, d := range s.severityChanges(a) {
		s.notify(ctx, alerting.DeviationNotification(d, now))
	}

	s.deps.Metrics.RecordAnalysis(a)

	s.logger.Info().Str("symbol", symbol).
		Float64("consensus", a.Consensus.ConsensusPrice).
		Str("method", string(a.Consensus.Method)).
		Float64("confidence", a.Consensus.ConfidenceLevel).
		Int("deviations", len(a.Deviations)).
		Msg("consensus recorded")
}

// severityChanges returns the deviation alerts whose severity differs from
// the previous cycle. Protocols back to healthy reset their state.
func (s *Service) severityChanges(a *consensus.Analysis) []consensus.DeviationAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbol := a.Consensus.Symbol
	for _, p := range a.Healthy {
		delete(s.severity, symbol+"|"+p.Protocol+"|"+p.Chain)
	}

	var changed []consensus.DeviationAlert
	for _, d := range a.Deviations {
		key := symbol + "|" + d.Protocol + "|" + d.Chain
		if s.severity[key] == d.Severity {
			continue
		}
		s.severity[key] = d.Severity
		changed = append(changed, d)
	}
	return changed
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if !s.alertsOn || s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.deps.Metrics.RecordError("notify")
		s.logger.Error().Err(err).Str("kind", string(note.Kind)).Str("key", note.Key()).Msg("failed to dispatch alert")
	}
}

func (s *Service) fetchTransactions(ctx context.Context) fetcher.TransactionSet {
	if s.deps.Transactions == nil {
		return nil
	}
	txs, err := s.deps.Transactions.FetchTransactions(ctx)
	if err != nil {
		s.deps.Metrics.RecordError("transactions")
		s.logger.Warn().Err(err).Msg("failed to fetch transactions; pattern detectors run without them")
		return nil
	}
	return txs
}

func (s *Service) prune(ctx context.Context) {
	if s.retention <= 0 || s.deps.Prices == nil {
		return
	}
	deleted, err := s.deps.Prices.DeletePricesBefore(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.deps.Metrics.RecordError("prune")
		s.logger.Warn().Err(err).Msg("failed to prune old prices")
		return
	}
	if deleted > 0 {
		s.logger.Debug().Int64("deleted", deleted).Msg("pruned old prices")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
