package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := &fakeClock{now: t0}
	seq := 0
	eng, err := NewEngine(cfg,
		WithClock(clock.Now),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("det-%d", seq) }),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, clock
}

var ethFeed = FeedKey{Protocol: "chainlink", Chain: "ethereum", Symbol: "ETH/USD"}

func liquidityObs(i int, l float64) PriceObservation {
	o := obsAt(i, 100)
	o.Liquidity = liq(l)
	return o
}

func TestNewEngineRejectsUnknownRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnabledRules = []Rule{RuleStatistical, "oracle_voodoo"}
	if _, err := NewEngine(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}

	cfg = DefaultConfig()
	cfg.MinConfidenceScore = 1.5
	if _, err := NewEngine(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("confidence floor > 1 should be rejected, got %v", err)
	}
}

func TestEngineEmitsAndEntersCooldown(t *testing.T) {
	eng, clock := newTestEngine(t, func(c *Config) {
		c.NotificationCooldown = 5 * time.Minute
	})

	if d := eng.AnalyzeFeed(ethFeed, liquidityObs(0, 1000), nil, nil); d != nil {
		t.Fatalf("first observation cannot be compared, got %+v", d)
	}

	clock.Advance(time.Minute)
	first := eng.AnalyzeFeed(ethFeed, liquidityObs(1, 200), nil, nil)
	if first == nil {
		t.Fatal("80% liquidity drop should emit")
	}
	if first.Type != TypeLiquidityManipulation || first.Status != StatusPending || first.ID != "det-1" {
		t.Fatalf("unexpected detection %+v", first)
	}
	if first.FeedKey != "chainlink:ethereum:ETH/USD" {
		t.Fatalf("feed key = %s", first.FeedKey)
	}

	clock.Advance(time.Minute)
	res := eng.Evaluate(FeedUpdate{Key: ethFeed, Price: liquidityObs(2, 1000)})
	if res.Outcome != OutcomeSuppressedCooldown || res.Detection != nil {
		t.Fatalf("second alert inside cooldown: %+v", res)
	}

	clock.Advance(5 * time.Minute)
	if d := eng.AnalyzeFeed(ethFeed, liquidityObs(3, 100), nil, nil); d == nil {
		t.Fatal("after cooldown a new jump should emit")
	}
	if eng.HistoryLen() != 2 {
		t.Fatalf("history = %d, want 2", eng.HistoryLen())
	}
}

func TestEngineCooldownIsPerFeed(t *testing.T) {
	eng, clock := newTestEngine(t, nil)
	other := FeedKey{Protocol: "pyth", Chain: "ethereum", Symbol: "ETH/USD"}

	for _, key := range []FeedKey{ethFeed, other} {
		eng.AnalyzeFeed(key, liquidityObs(0, 1000), nil, nil)
	}
	clock.Advance(time.Second)
	for _, key := range []FeedKey{ethFeed, other} {
		if d := eng.AnalyzeFeed(key, liquidityObs(1, 100), nil, nil); d == nil {
			t.Fatalf("feed %s should emit independently", key)
		}
	}
}

func TestEngineConfidenceFloor(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	eng.AnalyzeFeed(ethFeed, liquidityObs(0, 1000), nil, nil)

	// 32% change -> confidence 0.64 < 0.7
	res := eng.Evaluate(FeedUpdate{Key: ethFeed, Price: liquidityObs(1, 1320)})
	if res.Outcome != OutcomeSuppressedConfidence {
		t.Fatalf("outcome = %s, want suppressed_confidence", res.Outcome)
	}
	if res.Candidate == nil || res.Candidate.Type != TypeLiquidityManipulation {
		t.Fatalf("candidate = %+v", res.Candidate)
	}
	if eng.HistoryLen() != 0 {
		t.Fatal("suppressed candidates must not enter history")
	}
}

func TestEngineTiesKeepFirstDetector(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	eng.AnalyzeFeed(ethFeed, liquidityObs(0, 1000), nil, nil)

	txs := []TransactionObservation{{Hash: "0xf", From: "0xa", Value: usd(1_000_000), Input: call(aaveSimple), Timestamp: t0}}
	d := eng.AnalyzeFeed(ethFeed, liquidityObs(1, 100), nil, txs)
	if d == nil {
		t.Fatal("expected detection")
	}
	if d.Type != TypeFlashLoanAttack {
		t.Fatalf("type = %s, flash loan is evaluated before liquidity and should win the tie", d.Type)
	}
}

func TestEngineSkipsDisabledRules(t *testing.T) {
	eng, _ := newTestEngine(t, func(c *Config) {
		c.EnabledRules = []Rule{RuleStatistical}
	})
	eng.AnalyzeFeed(ethFeed, liquidityObs(0, 1000), nil, nil)
	txs := []TransactionObservation{{Hash: "0xf", Value: usd(1_000_000), Input: call(aaveSimple)}}
	if d := eng.AnalyzeFeed(ethFeed, liquidityObs(1, 10), nil, txs); d != nil {
		t.Fatalf("only statistical is enabled, got %s", d.Type)
	}
}

func TestEngineStatisticalWithHistory(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	src := seededBuffer(20, 100, 2, 42)
	history := src.AllSorted()

	d := eng.AnalyzeFeed(ethFeed, obsAt(30, 150), history, nil)
	if d == nil || d.Type != TypeStatisticalAnomaly || d.Severity != SeverityCritical {
		t.Fatalf("expected critical statistical anomaly, got %+v", d)
	}
	if d.PriceImpact == nil || *d.PriceImpact < 0.4 {
		t.Fatalf("price impact = %v", d.PriceImpact)
	}

	// replaying the same history must not duplicate buffered points
	eng.AnalyzeFeed(ethFeed, obsAt(31, 100), history, nil)
	if got := len(eng.Observations(ethFeed)); got != 22 {
		t.Fatalf("buffered = %d, want 22", got)
	}
	last, ok := eng.LastPrice(ethFeed)
	if !ok || last.Price != 100 {
		t.Fatalf("LastPrice = %v, %v", last.Price, ok)
	}
}

func TestEngineHistoryCap(t *testing.T) {
	eng, clock := newTestEngine(t, func(c *Config) {
		c.MaxDetectionHistorySize = 5
		c.NotificationCooldown = 0
	})
	for i := 0; i < 40; i++ {
		l := 1000.0
		if i%2 == 1 {
			l = 100
		}
		eng.AnalyzeFeed(ethFeed, liquidityObs(i, l), nil, nil)
		clock.Advance(time.Second)
		if eng.HistoryLen() > 5 {
			t.Fatalf("history exceeded cap: %d", eng.HistoryLen())
		}
	}
	if eng.HistoryLen() != 5 {
		t.Fatalf("history = %d, want 5", eng.HistoryLen())
	}
	if got := len(eng.FeedDetections(ethFeed)); got != 5 {
		t.Fatalf("feed detections = %d", got)
	}
}

func TestEngineConcurrentFeeds(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	var wg sync.WaitGroup
	for f := 0; f < 8; f++ {
		key := FeedKey{Protocol: fmt.Sprintf("p%d", f), Chain: "ethereum", Symbol: "ETH/USD"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				eng.AnalyzeFeed(key, obsAt(i, 100+float64(i%3)), nil, nil)
			}
		}()
	}
	wg.Wait()
	if got := len(eng.Feeds()); got != 8 {
		t.Fatalf("feeds = %d, want 8", got)
	}
}

func TestDetectionEvidenceJSONRoundTrip(t *testing.T) {
	in := Evidence{Type: EvidenceLiquidity, Description: "x", Confidence: 0.9, Data: LiquidityEvidence{Previous: 1, Current: 2, Change: 1}}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Evidence
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out.Data.(LiquidityEvidence); !ok || out.Confidence != 0.9 {
		t.Fatalf("decoded %+v", out)
	}
	if err := json.Unmarshal([]byte(`{"type":"bogus","data":{}}`), &out); err == nil {
		t.Fatal("unknown evidence type should fail")
	}
}
