package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"oracle-sentinel/internal/consensus"
)

// ErrCacheMiss is returned when no snapshot is cached for a symbol.
var ErrCacheMiss = errors.New("cache: miss")

// Options configure the Redis connection.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Snapshot is the cached outcome of the latest consensus cycle of a symbol.
type Snapshot struct {
	Consensus   consensus.PriceConsensus              `json:"consensus"`
	Deviations  []consensus.DeviationAlert            `json:"deviations"`
	Reliability map[string]consensus.ReliabilityScore `json:"reliability"`
	UpdatedAt   time.Time                             `json:"updatedAt"`
}

// ConsensusCache keeps the latest consensus per symbol in Redis.
type ConsensusCache struct {
	client kv
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewConsensusCache connects and pings Redis.
func NewConsensusCache(ctx context.Context, opts Options) (*ConsensusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c := newConsensusCache(client, opts.KeyPrefix, opts.TTL)
	c.closer = client.Close
	return c, nil
}

func newConsensusCache(client kv, prefix string, ttl time.Duration) *ConsensusCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ConsensusCache{client: client, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl}
}

// Close closes the Redis connection.
func (c *ConsensusCache) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *ConsensusCache) key(symbol string) string {
	k := "consensus:" + strings.ToUpper(symbol)
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Put stores the analysis as the symbol's latest snapshot.
func (c *ConsensusCache) Put(ctx context.Context, a *consensus.Analysis, now time.Time) error {
	if a == nil {
		return errors.New("cache: nil analysis")
	}
	data, err := json.Marshal(Snapshot{
		Consensus:   a.Consensus,
		Deviations:  a.Deviations,
		Reliability: a.Reliability,
		UpdatedAt:   now,
	})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(a.Consensus.Symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache consensus %s: %w", a.Consensus.Symbol, err)
	}
	return nil
}

// Latest returns the cached snapshot of a symbol.
func (c *ConsensusCache) Latest(ctx context.Context, symbol string) (Snapshot, error) {
	data, err := c.client.Get(ctx, c.key(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrCacheMiss
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
