package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"oracle-sentinel/internal/consensus"
)

type memoryKV struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memoryKV) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = value.([]byte)
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func TestConsensusCachePutLatest(t *testing.T) {
	kv := newMemoryKV()
	c := newConsensusCache(kv, "oraclewatch:", time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	a := &consensus.Analysis{
		Consensus: consensus.PriceConsensus{Symbol: "eth/usd", ConsensusPrice: 2500, Method: consensus.MethodWeightedMedian},
		Deviations: []consensus.DeviationAlert{{
			Severity: consensus.SeverityCritical, Protocol: "band", Price: 2600, ReferencePrice: 2500, DeviationPercent: 4,
		}},
		Reliability: map[string]consensus.ReliabilityScore{"pyth": {Protocol: "pyth", Reliability: 0.9}},
	}
	if err := c.Put(context.Background(), a, now); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if kv.ttls["oraclewatch:consensus:ETH/USD"] != time.Minute {
		t.Fatalf("unexpected keys/ttl %v", kv.ttls)
	}

	snap, err := c.Latest(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.Consensus.ConsensusPrice != 2500 || len(snap.Deviations) != 1 || snap.Reliability["pyth"].Reliability != 0.9 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.UpdatedAt.Equal(now) {
		t.Fatalf("updatedAt = %v", snap.UpdatedAt)
	}
}

func TestConsensusCacheMiss(t *testing.T) {
	c := newConsensusCache(newMemoryKV(), "", 0)
	if _, err := c.Latest(context.Background(), "BTC/USD"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("err = %v, want ErrCacheMiss", err)
	}
	if c.ttl != 10*time.Minute {
		t.Fatalf("default ttl = %v", c.ttl)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close without connection: %v", err)
	}
}
