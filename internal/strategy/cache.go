package strategy

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"perpExecBot/internal/domain"
	"perpExecBot/internal/ports"
)

// CacheConfig bounds the decision cache.
type CacheConfig struct {
	Size          int     // entries kept, least recently used evicted first
	TTLSamples    int64   // an entry older than this many samples is stale
	MinConfidence float64 // only decisions strictly above this are stored
}

// DefaultCacheConfig returns size 100, four samples of lifetime and a 70 confidence floor.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Size: 100, TTLSamples: 4, MinConfidence: 70}
}

// CacheStats counts cache traffic.
type CacheStats struct {
	Hits     int
	Misses   int
	Expired  int
	Stored   int
	Calls    int // calls forwarded to the wrapped policy
	Failures int
}

// HitRate returns hits over lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type cachedDecision struct {
	decision domain.Decision
	sample   int64
}

// CachedPolicy memoises high-confidence decisions of another policy by market fingerprint.
type CachedPolicy struct {
	next   ports.Policy
	cfg    CacheConfig
	logger ports.Logger
	cache  *lru.Cache[string, cachedDecision]

	mu    sync.Mutex
	stats CacheStats
}

// NewCachedPolicy wraps next.
func NewCachedPolicy(next ports.Policy, cfg CacheConfig, logger ports.Logger) (*CachedPolicy, error) {
	if next == nil {
		return nil, fmt.Errorf("policy is required for decision cache")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for decision cache")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("decision cache size must be positive")
	}
	if cfg.TTLSamples < 0 {
		return nil, fmt.Errorf("decision cache ttl must not be negative")
	}
	cache, err := lru.New[string, cachedDecision](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	return &CachedPolicy{next: next, cfg: cfg, logger: logger, cache: cache}, nil
}

// Decide returns a fresh cached decision for the request fingerprint or asks the wrapped policy.
func (c *CachedPolicy) Decide(ctx context.Context, req ports.DecisionRequest) (domain.Decision, error) {
	key := req.CacheKey
	if key == "" {
		key = CacheKey(req.Snapshots, req.Account.Position)
	}

	if entry, ok := c.cache.Get(key); ok {
		age := req.SampleIndex - entry.sample
		if age <= c.cfg.TTLSamples {
			c.count(func(s *CacheStats) { s.Hits++ })
			c.logger.Debug(ctx, "Decision cache hit", map[string]interface{}{"ageSamples": age, "action": entry.decision.Action})
			return entry.decision, nil
		}
		c.cache.Remove(key)
		c.count(func(s *CacheStats) { s.Expired++ })
		c.logger.Debug(ctx, "Decision cache entry expired", map[string]interface{}{"ageSamples": age, "ttlSamples": c.cfg.TTLSamples})
	}
	c.count(func(s *CacheStats) { s.Misses++; s.Calls++ })

	d, err := c.next.Decide(ctx, req)
	if err != nil {
		c.count(func(s *CacheStats) { s.Failures++ })
		return d, err
	}
	if d.Confidence > c.cfg.MinConfidence {
		c.cache.Add(key, cachedDecision{decision: d, sample: req.SampleIndex})
		c.count(func(s *CacheStats) { s.Stored++ })
	}
	return d, nil
}

// ReviewLimitOrder is never cached.
func (c *CachedPolicy) ReviewLimitOrder(ctx context.Context, req ports.LimitOrderReview) (domain.LimitOrderVerdict, error) {
	return c.next.ReviewLimitOrder(ctx, req)
}

// SelfReview is never cached.
func (c *CachedPolicy) SelfReview(ctx context.Context, req ports.SelfReviewRequest) (map[string]interface{}, error) {
	return c.next.SelfReview(ctx, req)
}

// Stats returns a copy of the counters.
func (c *CachedPolicy) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the number of cached entries.
func (c *CachedPolicy) Len() int {
	return c.cache.Len()
}

func (c *CachedPolicy) count(f func(*CacheStats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

var _ ports.Policy = (*CachedPolicy)(nil)
