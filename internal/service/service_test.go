package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"oracle-sentinel/internal/alerting"
	"oracle-sentinel/internal/config"
	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
	"oracle-sentinel/internal/fetcher"
	"oracle-sentinel/internal/metrics"
	"oracle-sentinel/internal/storage"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[string][]fetcher.Quote
	calls  int
}

func (f *fakeQuotes) FetchQuotes(_ context.Context, symbol string) ([]fetcher.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, fetcher.ErrUnsupportedSymbol
	}
	return q, nil
}

type fakeStore struct {
	mu         sync.Mutex
	history    map[detection.FeedKey][]detection.PriceObservation
	prices     []storage.PriceRecord
	detections []detection.Detection
	consensus  []storage.ConsensusRecord
	deviations []storage.DeviationRecord
	historyErr error
	pruned     int
	acquired   bool
}

var errTransient = errors.New("connection reset")

func (f *fakeStore) InsertPrices(_ context.Context, recs []storage.PriceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = append(f.prices, recs...)
	return nil
}

func (f *fakeStore) LatestPrices(context.Context, string, time.Time) ([]storage.PriceRecord, error) {
	return nil, nil
}

func (f *fakeStore) ObservationHistory(_ context.Context, key detection.FeedKey, _ time.Time) ([]detection.PriceObservation, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]detection.PriceObservation(nil), f.history[key]...), nil
}

func (f *fakeStore) ProtocolStats(context.Context, string, time.Time) (map[string]consensus.ProtocolStats, error) {
	return nil, nil
}

func (f *fakeStore) DeletePricesBefore(context.Context, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

func (f *fakeStore) InsertDetection(_ context.Context, d detection.Detection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, d)
	return nil
}

func (f *fakeStore) ListRecentDetections(context.Context, string, int) ([]detection.Detection, error) {
	return nil, nil
}

func (f *fakeStore) UpdateDetectionStatus(context.Context, string, detection.Status) error {
	return nil
}

func (f *fakeStore) InsertConsensus(_ context.Context, rec storage.ConsensusRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consensus = append(f.consensus, rec)
	return nil
}

func (f *fakeStore) ListConsensusBetween(context.Context, string, time.Time, time.Time, int) ([]storage.ConsensusRecord, error) {
	return nil, nil
}

func (f *fakeStore) InsertDeviations(_ context.Context, recs []storage.DeviationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviations = append(f.deviations, recs...)
	return nil
}

func (f *fakeStore) ListRecentDeviations(context.Context, string, int) ([]storage.DeviationRecord, error) {
	return nil, nil
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, f.acquired, nil
}

type fakeTransactions struct {
	set fetcher.TransactionSet
}

func (f *fakeTransactions) FetchTransactions(context.Context) (fetcher.TransactionSet, error) {
	return f.set, nil
}

type fakeCache struct {
	puts int
}

func (c *fakeCache) Put(context.Context, *consensus.Analysis, time.Time) error {
	c.puts++
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func quote(protocol string, price float64) fetcher.Quote {
	return fetcher.Quote{CrossOraclePrice: consensus.CrossOraclePrice{
		Protocol:  protocol,
		Chain:     "ethereum",
		Symbol:    "ETH/USD",
		Price:     price,
		Timestamp: testNow.Add(-10 * time.Second),
	}}
}

type fixture struct {
	svc      *Service
	quotes   *fakeQuotes
	store    *fakeStore
	cache    *fakeCache
	notifier *recordingNotifier
	memory   *consensus.MemoryHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return testNow }

	detector, err := detection.NewEngine(detection.DefaultConfig(),
		detection.WithClock(clock),
		detection.WithIDGenerator(func() string { return "det-1" }))
	if err != nil {
		t.Fatalf("detection engine: %v", err)
	}
	memory := consensus.NewMemoryHistory(24 * time.Hour)
	engine, err := consensus.NewEngine(consensus.DefaultConfig(), nil, memory, consensus.WithClock(clock))
	if err != nil {
		t.Fatalf("consensus engine: %v", err)
	}

	chainlinkKey := detection.FeedKey{Protocol: "chainlink", Chain: "ethereum", Symbol: "ETH/USD"}
	history := make([]detection.PriceObservation, 0, 20)
	for i := 0; i < 20; i++ {
		p := 90.0
		if i%2 == 1 {
			p = 90.2
		}
		history = append(history, detection.PriceObservation{
			Timestamp: testNow.Add(-time.Duration(21-i) * time.Minute),
			Price:     p,
		})
	}

	f := &fixture{
		quotes: &fakeQuotes{quotes: map[string][]fetcher.Quote{
			"ETH/USD": {quote("chainlink", 100), quote("pyth", 100.1), quote("band", 103)},
		}},
		store:    &fakeStore{history: map[detection.FeedKey][]detection.PriceObservation{chainlinkKey: history}, acquired: true},
		cache:    &fakeCache{},
		notifier: &recordingNotifier{},
		memory:   memory,
	}

	cfg := &config.Config{}
	cfg.Symbols = []string{"eth/usd"}
	cfg.Scheduler.Concurrency = 2
	cfg.Scheduler.AdvisoryLockKey = 42
	cfg.Alerting.Enabled = true
	cfg.Database.Retention = time.Hour

	svc, err := New(cfg, nil, Deps{
		Quotes:     f.quotes,
		Detector:   detector,
		Consensus:  engine,
		Memory:     memory,
		Prices:     f.store,
		Detections: f.store,
		Snapshots:  f.store,
		Locker:     f.store,
		Cache:      f.cache,
		Notifier:   f.notifier,
		Metrics:    metrics.New(nil),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = clock
	f.svc = svc
	return f
}

func TestProcessSymbolFullCycle(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.ProcessSymbol(context.Background(), "ETH/USD", nil)
	if err != nil {
		t.Fatalf("ProcessSymbol: %v", err)
	}
	if len(report.Feeds) != 3 {
		t.Fatalf("feeds evaluated = %d", len(report.Feeds))
	}

	var emitted *detection.Detection
	for _, fr := range report.Feeds {
		if fr.Result.Outcome == detection.OutcomeEmitted {
			emitted = fr.Result.Detection
		}
	}
	if emitted == nil || emitted.Protocol != "chainlink" || emitted.Type != detection.TypeStatisticalAnomaly {
		t.Fatalf("expected statistical anomaly on chainlink, got %+v", emitted)
	}

	if report.Analysis == nil {
		t.Fatal("analysis missing")
	}
	if got := report.Analysis.Consensus.ConsensusPrice; got != 100.1 {
		t.Fatalf("consensus = %v", got)
	}
	if len(report.Analysis.Deviations) != 1 || report.Analysis.Deviations[0].Protocol != "band" {
		t.Fatalf("deviations = %+v", report.Analysis.Deviations)
	}

	if len(f.store.prices) != 3 || len(f.store.detections) != 1 || len(f.store.consensus) != 1 || len(f.store.deviations) != 1 {
		t.Fatalf("persisted prices=%d detections=%d consensus=%d deviations=%d",
			len(f.store.prices), len(f.store.detections), len(f.store.consensus), len(f.store.deviations))
	}
	for _, rec := range f.store.prices {
		if rec.DeviationPct == nil {
			t.Fatalf("price record without deviation: %+v", rec)
		}
	}
	if f.cache.puts != 1 {
		t.Fatalf("cache puts = %d", f.cache.puts)
	}
	if len(f.notifier.notes) != 2 {
		t.Fatalf("notifications = %d", len(f.notifier.notes))
	}

	stats, err := f.memory.ProtocolStats(context.Background(), "ETH/USD", testNow.Add(-time.Hour))
	if err != nil || stats["band"].TotalUpdates != 1 {
		t.Fatalf("memory history not fed: %+v, %v", stats, err)
	}
}

func TestProcessSymbolRepeatsAreQuiet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ProcessSymbol(ctx, "ETH/USD", nil); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	report, err := f.svc.ProcessSymbol(ctx, "ETH/USD", nil)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(report.Feeds) != 0 {
		t.Fatalf("unchanged quotes should not reach the detector, got %d", len(report.Feeds))
	}
	if len(f.notifier.notes) != 2 {
		t.Fatalf("unchanged deviation severity must not notify again, notes = %d", len(f.notifier.notes))
	}
	if len(f.store.consensus) != 2 {
		t.Fatalf("consensus snapshots = %d", len(f.store.consensus))
	}
}

func TestProcessSymbolInsufficientData(t *testing.T) {
	f := newFixture(t)
	f.quotes.quotes["ETH/USD"] = []fetcher.Quote{quote("pyth", 100)}

	report, err := f.svc.ProcessSymbol(context.Background(), "ETH/USD", nil)
	if err != nil {
		t.Fatalf("insufficient data should not fail the symbol: %v", err)
	}
	if report.Analysis != nil {
		t.Fatalf("analysis = %+v", report.Analysis)
	}
	if len(f.store.prices) != 1 || f.store.prices[0].DeviationPct != nil {
		t.Fatalf("prices = %+v", f.store.prices)
	}
	if f.cache.puts != 0 {
		t.Fatal("cache should not be written without consensus")
	}
}

func TestProcessCycleHonoursLock(t *testing.T) {
	f := newFixture(t)
	f.store.acquired = false

	if err := f.svc.ProcessCycle(context.Background(), testNow); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if f.quotes.calls != 0 {
		t.Fatalf("quotes fetched without the lock: %d", f.quotes.calls)
	}
}

func TestProcessCycleReportsTotalFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.symbols = []string{"DOGE/USD", "SOL/USD"}

	err := f.svc.ProcessCycle(context.Background(), testNow)
	if err == nil {
		t.Fatal("expected error when every symbol fails")
	}
	if f.quotes.calls != 2 {
		t.Fatalf("calls = %d", f.quotes.calls)
	}
	if f.store.pruned != 1 {
		t.Fatalf("pruned = %d", f.store.pruned)
	}
}

func TestProcessCycleRunsEverySymbol(t *testing.T) {
	f := newFixture(t)
	f.svc.symbols = []string{"ETH/USD", "DOGE/USD"}

	if err := f.svc.ProcessCycle(context.Background(), testNow); err != nil {
		t.Fatalf("one failing symbol must not fail the cycle: %v", err)
	}
	if len(f.store.consensus) != 1 {
		t.Fatalf("consensus snapshots = %d", len(f.store.consensus))
	}
}

func TestProcessCycleScopesTransactionsToSymbol(t *testing.T) {
	f := newFixture(t)
	f.svc.symbols = []string{"ETH/USD", "BTC/USD"}
	btc := func(protocol string, price float64) fetcher.Quote {
		q := quote(protocol, price)
		q.Symbol = "BTC/USD"
		return q
	}
	f.quotes.quotes["BTC/USD"] = []fetcher.Quote{btc("chainlink", 60000), btc("pyth", 60010)}

	loan := detection.TransactionObservation{
		Hash:      "0xloan",
		Timestamp: testNow.Add(-30 * time.Second),
		From:      "0xattacker",
		To:        "0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2",
		Value:     new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil),
		GasPrice:  big.NewInt(1),
		Input:     detection.Selector("flashLoanSimple(address,address,uint256,bytes,uint16)"),
	}
	f.svc.deps.Transactions = &fakeTransactions{set: fetcher.TransactionSet{"ETH/USD": {loan}}}

	if err := f.svc.ProcessCycle(context.Background(), testNow); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}

	var flashLoans int
	for _, d := range f.store.detections {
		if d.Symbol != "ETH/USD" {
			t.Fatalf("transaction of ETH/USD raised a detection on %s: %+v", d.FeedKey, d)
		}
		if d.Type == detection.TypeFlashLoanAttack {
			flashLoans++
		}
	}
	if flashLoans == 0 {
		t.Fatalf("ETH/USD feeds did not see their transaction: %+v", f.store.detections)
	}
}

func TestWarmUpRetriesAndSkipsCurrentObservation(t *testing.T) {
	f := newFixture(t)
	key := detection.FeedKey{Protocol: "chainlink", Chain: "ethereum", Symbol: "ETH/USD"}
	at := testNow.Add(-10 * time.Second)
	f.store.history[key] = append(f.store.history[key], detection.PriceObservation{Timestamp: at, Price: 100})
	f.store.historyErr = errTransient

	if got := f.svc.warmUp(context.Background(), key, at); got != nil {
		t.Fatalf("failed load returned %d observations", len(got))
	}

	f.store.historyErr = nil
	got := f.svc.warmUp(context.Background(), key, at)
	if len(got) != 20 {
		t.Fatalf("warm-up after a failed load = %d observations, want 20", len(got))
	}
	for _, o := range got {
		if !o.Timestamp.Before(at) {
			t.Fatalf("observation at %s not older than the current quote", o.Timestamp)
		}
	}
	if again := f.svc.warmUp(context.Background(), key, at); again != nil {
		t.Fatal("a warmed feed must not reload history")
	}
}

func TestNewRequiresEngines(t *testing.T) {
	_, err := New(&config.Config{}, nil, Deps{Quotes: &fakeQuotes{}}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error without engines")
	}
}
