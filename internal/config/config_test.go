package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("scheduler.interval = %v", cfg.Scheduler.Interval)
	}
	if len(cfg.Chainlink.Feeds) != 2 || cfg.Chainlink.Feeds[0].Symbol != "ETH/USD" {
		t.Fatalf("chainlink.feeds = %+v", cfg.Chainlink.Feeds)
	}

	det := cfg.Detection.Engine()
	def := detection.DefaultConfig()
	if det.ZScoreThreshold != def.ZScoreThreshold || det.NotificationCooldown != def.NotificationCooldown || len(det.EnabledRules) != len(def.EnabledRules) {
		t.Fatalf("detection defaults drifted: %+v", det)
	}
	if cons := cfg.Consensus.Engine(); cons.CriticalThreshold != consensus.DefaultConfig().CriticalThreshold {
		t.Fatalf("consensus defaults drifted: %+v", cons)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
symbols: ["eth/usd", "ETH/USD", "sol/usd"]
detection:
  z_score_threshold: 4
  enabled_rules: ["statistical_anomaly"]
consensus:
  custom_weights:
    chainlink: 2
pyth:
  feeds:
    - symbol: SOL/USD
      id: "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ORACLEWATCH_SCHEDULER_INTERVAL", "30s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("env override ignored: %v", cfg.Scheduler.Interval)
	}
	if cfg.Detection.ZScoreThreshold != 4 || len(cfg.Detection.EnabledRules) != 1 {
		t.Fatalf("detection = %+v", cfg.Detection)
	}
	if cfg.Consensus.CustomWeights["chainlink"] != 2 {
		t.Fatalf("custom weights = %v", cfg.Consensus.CustomWeights)
	}
	if got := cfg.NormalizedSymbols(); len(got) != 2 || got[0] != "ETH/USD" || got[1] != "SOL/USD" {
		t.Fatalf("symbols = %v", got)
	}
	if len(cfg.Pyth.Feeds) != 1 || cfg.Pyth.Feeds[0].Symbol != "SOL/USD" {
		t.Fatalf("pyth feeds = %+v", cfg.Pyth.Feeds)
	}
}

func TestValidateRejectsUnknownRule(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Detection.EnabledRules = []string{"statistical_anomaly", "spoofing"}
	if err := cfg.Validate(); !errors.Is(err, detection.ErrInvalidConfig) {
		t.Fatalf("unknown rule should fail with ErrInvalidConfig, got %v", err)
	}
}

func TestValidateSinks(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.Kafka.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("kafka without brokers should fail")
	}
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("kafka with brokers: %v", err)
	}

	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("telegram without token should fail")
	}

	cfg.Alerting.Telegram.Enabled = false
	cfg.Consensus.CriticalThreshold = cfg.Consensus.WarningThreshold
	if err := cfg.Validate(); !errors.Is(err, consensus.ErrInvalidConfig) {
		t.Fatalf("critical must exceed warning, got %v", err)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("override should win when positive")
	}
}

func TestWatchedContractsPerSymbol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
symbols: ["ETH/USD", "BTC/USD"]
dex:
  enabled: true
  pairs:
    - symbol: eth/usd
      address: "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
transactions:
  enabled: true
  watch:
    - symbol: eth/usd
      contracts: ["0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"]
    - symbol: BTC/USD
      contracts: ["0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := cfg.WatchedContracts()
	if len(got) != 2 {
		t.Fatalf("watched symbols = %v", got)
	}
	if eth := got["ETH/USD"]; len(eth) != 2 || eth[1] != "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc" {
		t.Fatalf("ETH/USD contracts = %v, want router plus pair", eth)
	}
	if btc := got["BTC/USD"]; len(btc) != 1 {
		t.Fatalf("BTC/USD contracts = %v", btc)
	}

	cfg.Transactions.Watch = append(cfg.Transactions.Watch, WatchConfig{Contracts: []string{"0x01"}})
	if err := cfg.Validate(); err == nil {
		t.Fatal("watch entry without symbol should fail")
	}
}
