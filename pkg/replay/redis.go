package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/platinummonkey/tenantauth/pkg/observability"
)

// RedisConfig tunes the Redis store
type RedisConfig struct {
	// Prefix namespaces keys as <prefix>:<jti>
	Prefix string
	// Timeout bounds each SETNX
	Timeout time.Duration
	// BreakerFailures consecutive failures open the breaker
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before probing
	BreakerCooldown time.Duration
}

// RedisStore is a Store shared by all instances through Redis SETNX.
// Calls pass through a circuit breaker so an unreachable Redis fails fast.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRedisStore wraps client
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig, logger *observability.Logger, metrics *observability.Metrics) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "tenantauth:exchange:jti"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "replay-redis",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Replay store circuit breaker changed state")
		},
	})

	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}
}

// Key returns the Redis key for jti
func (s *RedisStore) Key(jti string) string {
	return s.prefix + ":" + jti
}

// TryConsume implements Store with a single SET NX PX
func (s *RedisStore) TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if err := validate(jti, ttl); err != nil {
		return false, err
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.client.SetNX(callCtx, s.Key(jti), 1, ttl).Result()
	})
	if err != nil {
		s.metrics.ReplayStoreFailed("redis")
		return false, fmt.Errorf("failed to consume exchange token id: %w", err)
	}
	return result.(bool), nil
}

// State exposes the breaker state for health reporting
func (s *RedisStore) State() gobreaker.State {
	return s.breaker.State()
}
